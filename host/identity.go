// Package host runs plugin processes for the shell: it spawns them,
// speaks the plugin protocol with them over stdio, tracks their custom
// values, and reclaims idle processes.
package host

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// PluginNamePrefix is the mandatory filename prefix for plugin
// executables. The plugin's registered name is the remainder of the
// filename after the prefix, with any extension stripped.
const PluginNamePrefix = "coral_plugin_"

// Identity pins down which executable a plugin connection belongs to. It
// is immutable after construction; respawns reuse the same identity.
type Identity struct {
	executablePath string
	shell          []string
	name           string
}

// NewIdentity derives a plugin identity from its executable path and an
// optional interpreter invocation (e.g. ["python3"] for script plugins).
func NewIdentity(executablePath string, shell []string) (*Identity, error) {
	name, err := pluginNameFromPath(executablePath)
	if err != nil {
		return nil, err
	}
	return &Identity{
		executablePath: executablePath,
		shell:          append([]string(nil), shell...),
		name:           name,
	}, nil
}

func pluginNameFromPath(path string) (string, error) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if !strings.HasPrefix(base, PluginNamePrefix) {
		return "", NewInvalidNameError(filepath.Base(path))
	}
	name := strings.TrimPrefix(base, PluginNamePrefix)
	if name == "" {
		return "", NewInvalidNameError(filepath.Base(path))
	}
	return name, nil
}

// Name is the plugin's registered name, derived from the filename.
func (id *Identity) Name() string { return id.name }

// ExecutablePath is the absolute or relative path the plugin runs from.
func (id *Identity) ExecutablePath() string { return id.executablePath }

// Shell is the interpreter used to launch the executable, if any.
func (id *Identity) Shell() []string { return append([]string(nil), id.shell...) }

// spawnedProcess holds the live process and its stdio pipe pair.
type spawnedProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error
}

// Spawn starts the plugin process with its stdin and stdout connected to
// the protocol transport. Stderr passes through to the host's stderr so
// plugin diagnostics stay visible.
func (id *Identity) Spawn() (*spawnedProcess, error) {
	var cmd *exec.Cmd
	if len(id.shell) > 0 {
		args := append(append([]string(nil), id.shell[1:]...), id.executablePath)
		cmd = exec.Command(id.shell[0], args...)
	} else {
		cmd = exec.Command(id.executablePath)
	}
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, NewSpawnFailureError(id.executablePath, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, NewSpawnFailureError(id.executablePath, err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, NewNotInPathError(id.executablePath, err)
		}
		return nil, NewSpawnFailureError(id.executablePath, err)
	}

	return &spawnedProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// wait reaps the process exactly once; exec.Cmd.Wait must not be called
// twice.
func (p *spawnedProcess) wait() error {
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}

// drain closes stdin so the plugin sees EOF after the Goodbye envelope,
// then gives it grace to finish in-flight calls and exit on its own.
// Only a process still alive past the grace period is killed.
func (p *spawnedProcess) drain(grace time.Duration) {
	p.stdin.Close()
	done := make(chan struct{})
	go func() {
		_ = p.wait()
		close(done)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-done
	}
	p.stdout.Close()
}

// kill tears the process down without waiting for a clean exit.
func (p *spawnedProcess) kill() {
	p.stdin.Close()
	p.stdout.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.wait()
}

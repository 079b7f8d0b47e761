// Forge server: Git Smart HTTP using the native git binary
// Copyright Alistair Cunningham 2025

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

type git_protocol_native struct {
	binary  string
	timeout time.Duration
}

// Keeps the start of a subprocess's stderr for logging
type git_stderr struct {
	buffer bytes.Buffer
}

func (s *git_stderr) Write(p []byte) (int, error) {
	if room := 4096 - s.buffer.Len(); room > 0 {
		if len(p) > room {
			s.buffer.Write(p[:room])
		} else {
			s.buffer.Write(p)
		}
	}
	return len(p), nil
}

// Run one git service in stateless RPC mode, streaming body to its stdin and its stdout to w.
// The copies run concurrently, so a large push can't deadlock against the service's output.
// Cancellation, the timeout, or a failed write to w kills the service's whole process group.
func (g *git_protocol_native) run(ctx context.Context, path string, service string, advertise bool, body io.Reader, w io.Writer) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	args := []string{strings.TrimPrefix(service, "git-"), "--stateless-rpc"}
	if advertise {
		args = append(args, "--advertise-refs")
	}
	args = append(args, path)

	cmd := exec.CommandContext(ctx, g.binary, args...)
	process_group(cmd)
	cmd.WaitDelay = 5 * time.Second
	cmd.Stdout = &git_stream_writer{w: w, cancel: cancel}
	stderr := &git_stderr{}
	cmd.Stderr = stderr

	var stdin io.WriteCloser
	var err error
	if body != nil {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", error_subprocess, service, err)
		}
	}

	err = cmd.Start()
	if err == nil {
		// Wait does not wait for this copy, so a client that stops sending can't hold the service open
		if stdin != nil {
			go func() {
				_, err := io.Copy(stdin, body)
				if err != nil {
					debug("Git %s stdin copy stopped: %v", service, err)
				}
				stdin.Close()
			}()
		}
		err = cmd.Wait()
	}
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s stopped: %v", error_subprocess, service, ctx.Err())
		}
		return fmt.Errorf("%w: %s: %v: %s", error_subprocess, service, err, strings.TrimSpace(stderr.buffer.String()))
	}
	return nil
}

func (g *git_protocol_native) advertise(ctx context.Context, path string, service string, w io.Writer) error {
	return g.run(ctx, path, service, true, nil, w)
}

func (g *git_protocol_native) upload_pack(ctx context.Context, path string, body io.Reader, w io.Writer) error {
	return g.run(ctx, path, service_upload_pack, false, body, w)
}

func (g *git_protocol_native) receive_pack(ctx context.Context, path string, body io.Reader, w io.Writer) error {
	return g.run(ctx, path, service_receive_pack, false, body, w)
}

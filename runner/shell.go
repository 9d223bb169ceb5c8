package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/swarm"
)

// Shell resource caps. A shell is a convenience, not a workload.
const (
	ShellTTL       = 24 * time.Hour
	shellCPUs      = "0.5"
	shellMemory    = "512m"
	shellHeartbeat = 30 * time.Second
)

// shellAuth is the first, mandatory text frame of a shell session.
type shellAuth struct {
	Token string `json:"token"`
}

// shellControl covers the in-band text frames after auth.
type shellControl struct {
	Type string `json:"type"` // resize or pong
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
}

type shellExit struct {
	Type string `json:"type"`
	Code int    `json:"code"`
}

// wsWriter serializes concurrent writers onto one websocket connection.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) write(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(messageType, data)
}

func (w *wsWriter) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.write(websocket.TextMessage, data)
}

func (w *wsWriter) close(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	deadline := time.Now().Add(5 * time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = w.conn.Close()
}

// Shell runs an interactive shell inside a fresh container of the given
// service and bridges its PTY to the websocket. The first frame must be a
// JSON-encoded JWT; binary frames carry stdio, text frames carry control
// messages (resize, pong). The session ends when the process exits, the
// socket drops or the context is cancelled; the container never outlives it.
func (r *Runner) Shell(ctx context.Context, project *db.Project, service string, conn *websocket.Conn) error {
	out := &wsWriter{conn: conn}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var auth shellAuth
	if err := json.Unmarshal(raw, &auth); err != nil || auth.Token == "" {
		out.close(websocket.ClosePolicyViolation, "authentication required")
		return fmt.Errorf("shell auth frame malformed")
	}
	subject, err := r.jwt.Verify(auth.Token)
	if err != nil {
		out.close(websocket.ClosePolicyViolation, "authentication failed")
		return fmt.Errorf("shell auth rejected: %w", err)
	}

	t, err := r.resolveTarget(project)
	if err != nil {
		out.close(websocket.CloseInternalServerErr, err.Error())
		return err
	}
	image, err := r.imageFor(t, service)
	if err != nil {
		out.close(websocket.CloseInternalServerErr, err.Error())
		return err
	}
	env, err := r.containerEnv(t, service)
	if err != nil {
		out.close(websocket.CloseInternalServerErr, err.Error())
		return err
	}

	name := swarm.ShellContainerName(project.Name, db.NewID())
	log := r.log.WithFields(logrus.Fields{
		"project": project.Name,
		"shell":   name,
		"by":      subject,
	})

	ctx, cancel := context.WithTimeout(ctx, ShellTTL)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", shellArgs(name, image, t, env)...)
	tty, err := pty.Start(cmd)
	if err != nil {
		out.close(websocket.CloseInternalServerErr, "shell startup failed")
		return fmt.Errorf("starting shell pty: %w", err)
	}
	log.Info("shell session started")

	defer func() {
		_ = tty.Close()
		// docker run --rm cleans up on normal exit; force-remove covers the
		// disconnect path where we kill the client process instead.
		removeCtx, cancelRemove := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelRemove()
		if err := r.driver.RemoveContainer(removeCtx, name); err != nil {
			log.WithError(err).Warn("shell container not removed")
		}
	}()

	exited := make(chan int, 1)
	go func() {
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		exited <- code
	}()

	// PTY output to the socket.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 32*1024)
		for {
			n, err := tty.Read(buf)
			if n > 0 {
				if werr := out.write(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Socket input to the PTY, plus control frames.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch messageType {
			case websocket.BinaryMessage:
				if _, err := tty.Write(data); err != nil {
					return
				}
			case websocket.TextMessage:
				var ctl shellControl
				if err := json.Unmarshal(data, &ctl); err != nil {
					continue
				}
				switch ctl.Type {
				case "resize":
					if err := pty.Setsize(tty, &pty.Winsize{Rows: ctl.Rows, Cols: ctl.Cols}); err != nil {
						log.WithError(err).Warn("shell resize failed")
					}
				case "pong":
					// Heartbeat answer; nothing to do.
				}
			}
		}
	}()

	heartbeat := time.NewTicker(shellHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case code := <-exited:
			<-readDone
			if err := out.writeJSON(shellExit{Type: "exit", Code: code}); err == nil {
				out.close(websocket.CloseNormalClosure, "")
			}
			log.WithField("exit", code).Info("shell session ended")
			return nil
		case <-disconnected:
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			log.Info("shell client disconnected")
			return nil
		case <-heartbeat.C:
			if err := out.writeJSON(shellControl{Type: "ping"}); err != nil {
				if cmd.Process != nil {
					_ = cmd.Process.Kill()
				}
				return nil
			}
		case <-ctx.Done():
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			out.close(websocket.CloseGoingAway, "session expired")
			return ctx.Err()
		}
	}
}

// shellArgs builds the docker run invocation for one shell session. The CLI
// is used here instead of the SDK because the PTY must live in this process.
func shellArgs(name, image string, t *target, env []string) []string {
	args := []string{
		"run", "--rm", "--tty", "--interactive",
		"--name", name,
		"--cpus", shellCPUs,
		"--memory", shellMemory,
		"--stop-timeout", "5",
		"--log-driver", "none",
		"--network", swarm.NetworkName(t.project.Name, t.deployment.Number),
	}
	for _, e := range env {
		args = append(args, "--env", e)
	}
	for key, value := range swarm.EphemeralLabels(t.project.Name, swarm.LabelShell, time.Now().UTC().Add(ShellTTL)) {
		args = append(args, "--label", key+"="+value)
	}
	args = append(args, image, "/bin/sh")
	return args
}

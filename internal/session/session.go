// Package session implements the session process state machine from
// spec.md §4.3: one process owning a mount point, its path table, and a
// control-FIFO command loop that applies Bind/Unbind/Stat/Shutdown
// commands in arrival order.
package session

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/doriancodes/nsfs/internal/control"
	"github.com/doriancodes/nsfs/internal/nserrors"
	"github.com/doriancodes/nsfs/internal/nslog"
	"github.com/doriancodes/nsfs/internal/nsfuse"
	"github.com/doriancodes/nsfs/internal/nstable"
	"github.com/doriancodes/nsfs/internal/registry"
)

var log = nslog.For("session")

// gracePeriod bounds how long a non-forced Shutdown waits for in-flight
// FUSE callbacks to drain before the unmount is forced anyway, per
// spec.md §4.3.
const gracePeriod = 5 * time.Second

// fifoReopenBackoff is how long the FIFO reader waits before retrying
// an open that failed for a reason other than draining.
const fifoReopenBackoff = 100 * time.Millisecond

// Config carries the parameters a supervisor passes to a freshly
// exec'd session process, per spec.md §4.3 and §4.6.
type Config struct {
	SessionID   string
	MountPoint  string
	RootSource  string
	RegistryDir string
	ControlFIFO string
	ReplyFIFO   string
	Debug       bool
}

// inbound is one command queued onto the session's single serializing
// command loop, whether it arrived over the control FIFO or was
// generated internally by the signal-handling goroutine. Reply is nil
// for internally generated commands, which have no client waiting.
type inbound struct {
	cmd   control.Command
	reply chan control.Reply
}

// Session owns one mount point's filesystem driver, path table, and
// control-FIFO reader loop, per spec.md §4.3.
type Session struct {
	cfg Config
	reg *registry.Registry

	table  *nstable.PathTable
	server *fuse.Server

	mu        sync.Mutex
	state     registry.State
	createdAt time.Time

	inboundCh chan inbound
	// escalateCh carries a second shutdown signal straight into drain,
	// cutting its grace period short; nothing else reads from it.
	escalateCh chan struct{}
}

// New constructs a Session for cfg, opening its registry handle.
func New(cfg Config) (*Session, error) {
	reg, err := registry.Open(cfg.RegistryDir)
	if err != nil {
		return nil, err
	}
	return &Session{
		cfg:        cfg,
		reg:        reg,
		inboundCh:  make(chan inbound, 8),
		escalateCh: make(chan struct{}, 1),
	}, nil
}

// Run executes the startup sequence from spec.md §4.3 and then blocks
// in the command loop until a Shutdown is processed or ctx is
// cancelled, at which point it drains and returns.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	s.state = registry.StateStarting
	s.createdAt = time.Now()
	s.mu.Unlock()

	if err := s.reg.Write(s.record()); err != nil {
		return err
	}

	if err := control.CreateFIFO(s.cfg.ControlFIFO); err != nil {
		_ = s.reg.Remove(s.cfg.SessionID)
		return nserrors.Wrap("session.Run", nserrors.KindMountFailed, err)
	}
	if err := control.CreateFIFO(s.cfg.ReplyFIFO); err != nil {
		_ = s.reg.Remove(s.cfg.SessionID)
		return nserrors.Wrap("session.Run", nserrors.KindMountFailed, err)
	}

	table, err := nstable.New(s.cfg.MountPoint, s.cfg.RootSource)
	if err != nil {
		_ = s.reg.Remove(s.cfg.SessionID)
		return err
	}
	s.table = table

	srv, err := nsfuse.Mount(s.cfg.MountPoint, table, s.cfg.Debug)
	if err != nil {
		_ = s.reg.Remove(s.cfg.SessionID)
		return err
	}
	s.server = srv

	s.mu.Lock()
	s.state = registry.StateRunning
	s.mu.Unlock()
	if err := s.reg.Write(s.record()); err != nil {
		log.WithError(err).Warn("failed to persist running record")
	}
	log.WithFields(map[string]interface{}{
		"session_id":  s.cfg.SessionID,
		"mount_point": s.cfg.MountPoint,
	}).Info("session running")

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	go s.signalLoop(sigCh)
	go s.fifoReadLoop()

	return s.commandLoop(ctx)
}

// signalLoop turns the first SIGTERM/SIGINT into a graceful Shutdown
// command posted onto the session's serializing command channel; a
// second one arrives after draining has already begun, when nothing is
// left reading inboundCh, so it escalates by signaling escalateCh
// instead, which drain selects on to cut its grace period short, per
// spec.md §4.3 "a second signal escalates to force:true". SIGHUP is
// ignored.
func (s *Session) signalLoop(sigCh chan os.Signal) {
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			continue
		case syscall.SIGTERM, syscall.SIGINT:
			if s.isDraining() {
				select {
				case s.escalateCh <- struct{}{}:
				default:
				}
				continue
			}
			s.inboundCh <- inbound{cmd: control.Command{Kind: control.CommandShutdown, Force: false}}
		}
	}
}

// fifoReadLoop implements the server side of the control channel
// protocol from spec.md §4.5: open the control FIFO, read exactly one
// frame, queue it on the command loop, write back its reply, then
// reopen for the next client.
func (s *Session) fifoReadLoop() {
	for {
		if s.isDraining() {
			return
		}
		cf, err := os.OpenFile(s.cfg.ControlFIFO, os.O_RDONLY, 0)
		if err != nil {
			if s.isDraining() {
				return
			}
			log.WithError(err).Error("open control fifo for read")
			time.Sleep(fifoReopenBackoff)
			continue
		}

		var cmd control.Command
		readErr := control.ReadFrame(cf, &cmd)
		cf.Close()
		if readErr != nil {
			if s.isDraining() {
				return
			}
			log.WithError(readErr).Debug("control fifo closed without a complete frame")
			continue
		}

		replyCh := make(chan control.Reply, 1)
		s.inboundCh <- inbound{cmd: cmd, reply: replyCh}
		reply := <-replyCh

		rf, err := os.OpenFile(s.cfg.ReplyFIFO, os.O_WRONLY, 0)
		if err != nil {
			log.WithError(err).Error("open reply fifo for write")
		} else {
			if err := control.WriteFrame(rf, reply); err != nil {
				log.WithError(err).Error("write reply frame")
			}
			rf.Close()
		}

		if cmd.Kind == control.CommandShutdown {
			return
		}
	}
}

// commandLoop is the single goroutine that serializes every namespace
// mutation, per spec.md §5 "within one control FIFO, commands are
// applied in the order they arrive".
func (s *Session) commandLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return s.drain(true)
		case in := <-s.inboundCh:
			reply := s.handle(in.cmd)
			if in.reply != nil {
				in.reply <- reply
			}
			if in.cmd.Kind == control.CommandShutdown {
				return s.drain(in.cmd.Force)
			}
		}
	}
}

// handle applies one command to the path table and returns its reply.
// Mutation happens-before the reply is sent, since the caller only
// delivers the reply to the FIFO after handle returns, per spec.md §5.
func (s *Session) handle(cmd control.Command) control.Reply {
	switch cmd.Kind {
	case control.CommandBind:
		return s.handleBind(cmd)
	case control.CommandUnbind:
		return s.handleUnbind(cmd)
	case control.CommandStat:
		return s.handleStat()
	case control.CommandShutdown:
		s.mu.Lock()
		s.state = registry.StateDraining
		s.mu.Unlock()
		log.WithField("force", cmd.Force).Info("shutdown requested")
		return control.Reply{Kind: control.ReplyOk}
	default:
		return errReply("handle", nserrors.New("handle", nserrors.KindOther))
	}
}

func (s *Session) handleBind(cmd control.Command) control.Reply {
	mode, err := nstable.ParseMode(cmd.Mode)
	if err == nil {
		err = s.table.Insert(cmd.Target, cmd.Source, mode)
	}
	if err != nil {
		return errReply("bind", err)
	}
	if err := s.reg.Write(s.record()); err != nil {
		log.WithError(err).Warn("failed to persist record after bind")
	}
	log.WithFields(map[string]interface{}{
		"target": cmd.Target,
		"source": cmd.Source,
		"mode":   cmd.Mode,
	}).Info("bind applied")
	return control.Reply{Kind: control.ReplyOk}
}

func (s *Session) handleUnbind(cmd control.Command) control.Reply {
	if err := s.table.Remove(cmd.Target, cmd.Source); err != nil {
		return errReply("unbind", err)
	}
	if err := s.reg.Write(s.record()); err != nil {
		log.WithError(err).Warn("failed to persist record after unbind")
	}
	log.WithFields(map[string]interface{}{
		"target": cmd.Target,
		"source": cmd.Source,
	}).Info("unbind applied")
	return control.Reply{Kind: control.ReplyOk}
}

func (s *Session) handleStat() control.Reply {
	payload, err := json.Marshal(s.record())
	if err != nil {
		return errReply("stat", err)
	}
	return control.Reply{Kind: control.ReplySessionInfo, Session: payload}
}

func errReply(op string, err error) control.Reply {
	return control.Reply{Kind: control.ReplyError, Error: &control.ReplyError{
		Kind:    nserrors.KindOf(err),
		Message: err.Error(),
	}}
}

// drain unmounts the filesystem, bounded by gracePeriod unless force is
// set, then removes the session's FIFOs and registry record, per
// spec.md §4.3. A signal arriving on escalateCh while the grace period
// is still running cuts it short exactly like force would have.
func (s *Session) drain(force bool) error {
	log.WithField("force", force).Info("draining session")

	done := make(chan error, 1)
	go func() { done <- s.server.Unmount() }()

	if force {
		select {
		case <-done:
		default:
		}
	} else {
		select {
		case err := <-done:
			if err != nil {
				log.WithError(err).Warn("unmount reported an error")
			}
		case <-time.After(gracePeriod):
			log.Warn("grace period elapsed without a clean unmount")
		case <-s.escalateCh:
			log.Warn("second shutdown signal received, forcing teardown")
		}
	}

	_ = control.RemoveFIFO(s.cfg.ControlFIFO)
	_ = control.RemoveFIFO(s.cfg.ReplyFIFO)
	if err := s.reg.Remove(s.cfg.SessionID); err != nil {
		log.WithError(err).Warn("failed to remove session record")
	}
	return nil
}

func (s *Session) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == registry.StateDraining
}

// record builds the current SessionRecord snapshot for the registry
// and for Stat replies.
func (s *Session) record() registry.Record {
	s.mu.Lock()
	state := s.state
	created := s.createdAt
	s.mu.Unlock()

	var bindings []registry.Binding
	if s.table != nil {
		for _, e := range s.table.RootBindings() {
			bindings = append(bindings, registry.Binding{
				BackingDirectory: e.BackingDirectory,
				Mode:             e.Mode.String(),
			})
		}
	}

	return registry.Record{
		SessionID:       s.cfg.SessionID,
		OwnerPID:        os.Getpid(),
		MountPoint:      s.cfg.MountPoint,
		RootSource:      s.cfg.RootSource,
		CreatedAt:       created,
		ControlFIFOPath: s.cfg.ControlFIFO,
		ReplyFIFOPath:   s.cfg.ReplyFIFO,
		State:           state,
		Bindings:        bindings,
	}
}

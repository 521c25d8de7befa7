package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/adcondev/printomat/internal/dispatch"
	"github.com/adcondev/printomat/internal/printer"
)

// deliverySession relays jobs from the dispatcher to one printer
// connection and acknowledgments back. It holds at most one job at a time.
type deliverySession struct {
	id         string
	conn       *websocket.Conn
	dispatcher *dispatch.Dispatcher
	cfg        Config
	log        *zap.Logger

	acks     chan ackFor
	// awaiting is the sequence number of the send that may still be
	// acknowledged, 0 when none. The reader claims it with the first ack.
	awaiting atomic.Uint64
	seq      uint64
}

type ackFor struct {
	seq uint64
	ack printer.Ack
}

func newDeliverySession(id string, conn *websocket.Conn, d *dispatch.Dispatcher, cfg Config, logger *zap.Logger) *deliverySession {
	return &deliverySession{
		id:         id,
		conn:       conn,
		dispatcher: d,
		cfg:        cfg,
		log:        logger.With(zap.String("session_id", id)),
		acks:       make(chan ackFor, 1),
	}
}

// run delivers jobs until the connection fails, an ack times out or ctx is
// done. The returned error is the cause to hand to Dispatcher.Disconnect.
func (s *deliverySession) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var readErr error
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readErr = s.readLoop(ctx)
		cancel()
	}()

	cause := s.deliverLoop(ctx)
	cancel()
	<-readDone

	if errors.Is(cause, dispatch.ErrDeliveryTimeout) {
		return cause
	}
	if readErr != nil && websocket.CloseStatus(readErr) != websocket.StatusNormalClosure && !errors.Is(readErr, context.Canceled) {
		return fmt.Errorf("%w: %v", dispatch.ErrSessionLost, readErr)
	}
	return cause
}

func (s *deliverySession) deliverLoop(ctx context.Context) error {
	for {
		job, err := s.dispatcher.Next(ctx, s.id)
		if err != nil {
			if errors.Is(err, dispatch.ErrSessionLost) {
				return err
			}
			return fmt.Errorf("%w: %v", dispatch.ErrSessionLost, err)
		}

		s.drainAcks()
		wctx, wcancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		err = wsjson.Write(wctx, s.conn, printer.NewJobMessage(job))
		wcancel()
		if err != nil {
			s.log.Warn("[WS] failed to send job", zap.Int64("job_id", job.ID), zap.Error(err))
			return fmt.Errorf("%w: write job %d: %v", dispatch.ErrSessionLost, job.ID, err)
		}
		s.seq++
		s.awaiting.Store(s.seq)
		s.log.Info("[WS] job sent", zap.Int64("job_id", job.ID), zap.String("type", string(job.Kind)),
			zap.Int("attempt", job.AttemptCount))

		if err := s.awaitAck(ctx, job.ID); err != nil {
			return err
		}
	}
}

// awaitAck waits for the acknowledgment of the last send and reports it.
func (s *deliverySession) awaitAck(ctx context.Context, jobID int64) error {
	timer := time.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()

	for {
		select {
		case a := <-s.acks:
			if a.seq != s.seq {
				continue
			}
			res := dispatch.Result{Success: a.ack.Success(), ErrorMessage: a.ack.ErrorMessage}
			if err := s.dispatcher.Complete(s.id, res); err != nil {
				return err
			}
			if !res.Success {
				s.log.Warn("[WS] printer reported failure", zap.Int64("job_id", jobID),
					zap.String("error", a.ack.ErrorMessage))
			}
			return nil
		case <-timer.C:
			s.awaiting.Store(0)
			s.log.Warn("[WS] no acknowledgment in time, closing connection",
				zap.Int64("job_id", jobID), zap.Duration("ack_timeout", s.cfg.AckTimeout))
			_ = s.conn.Close(websocket.StatusPolicyViolation, "acknowledgment timeout")
			return fmt.Errorf("%w: job %d", dispatch.ErrDeliveryTimeout, jobID)
		case <-ctx.Done():
			return fmt.Errorf("%w: connection closed with job %d in flight", dispatch.ErrSessionLost, jobID)
		}
	}
}

func (s *deliverySession) drainAcks() {
	for {
		select {
		case <-s.acks:
		default:
			return
		}
	}
}

// readLoop forwards the first acknowledgment of each send. Acks that arrive
// while nothing is awaited, including repeats of an ack already taken, are
// dropped.
func (s *deliverySession) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}

		var ack printer.Ack
		if err := json.Unmarshal(data, &ack); err != nil {
			s.log.Warn("[WS] ignoring malformed message", zap.Error(err))
			continue
		}

		seq := s.awaiting.Load()
		if seq == 0 || !s.awaiting.CompareAndSwap(seq, 0) {
			s.log.Warn("[WS] acknowledgment with no job awaiting one dropped", zap.String("status", ack.Status))
			continue
		}
		select {
		case s.acks <- ackFor{seq: seq, ack: ack}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Package service is the broker's composition root for the pieces that
// don't belong to any single connection factory: device startup
// reconciliation and running the resource manager's worker loop for the
// lifetime of the process, as a single façade type fx invokes lifecycle
// hooks against.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/webitel/tpm-broker/config"
	"github.com/webitel/tpm-broker/internal/broker"
	"github.com/webitel/tpm-broker/internal/device"
	"github.com/webitel/tpm-broker/internal/domain/handle"
)

// BrokerService owns the resource manager's run loop and the one-time
// device startup and reconciliation sequence.
type BrokerService struct {
	log   *slog.Logger
	proxy *device.Proxy
	mgr   *broker.Manager
	sinkq *broker.SinkQueue
	cfg   *config.Config

	cancel context.CancelFunc
}

func NewBrokerService(log *slog.Logger, proxy *device.Proxy, mgr *broker.Manager, sinkq *broker.SinkQueue, cfg *config.Config) *BrokerService {
	return &BrokerService{log: log, proxy: proxy, mgr: mgr, sinkq: sinkq, cfg: cfg}
}

// Start runs device startup reconciliation, then launches the resource
// manager's worker loop in the background. It blocks only for the
// duration of reconciliation itself.
func (s *BrokerService) Start(ctx context.Context) error {
	if err := s.proxy.Startup(ctx); err != nil {
		return fmt.Errorf("service: device startup: %w", err)
	}

	if err := s.reconcile(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.mgr.Run(runCtx)
	go s.sinkq.Run(runCtx, func(resp *broker.Response, err error) {
		s.log.Warn("RESPONSE_WRITE_FAILED", "conn_id", resp.Conn.ID(), "error", err)
	})

	s.log.Info("BROKER_STARTED")
	return nil
}

func (s *BrokerService) Stop(context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// reconcile brings a freshly attached device to a known state:
// if fail_on_loaded_transients is set, abort startup when the device
// reports any transient object already resident (state left over from a
// prior broker instance that didn't clean up); if flush_all_on_start is
// set, instead proactively flush every handle in both the transient and
// session physical-handle ranges so the broker starts from a known-empty
// device regardless of what a previous instance left behind.
func (s *BrokerService) reconcile(ctx context.Context) error {
	if s.cfg.Limits.FailOnLoadedTransients {
		loaded, err := s.countLoadedTransients(ctx)
		if err != nil {
			return fmt.Errorf("service: reconciliation capability query: %w", err)
		}
		if loaded > 0 {
			return fmt.Errorf("service: %d transient object(s) already loaded on device and fail_on_loaded_transients is set", loaded)
		}
	}

	if s.cfg.Limits.FlushAllOnStart {
		logf := func(format string, args ...any) { s.log.Warn(fmt.Sprintf(format, args...)) }
		transientBase := handle.Physical(uint32(handle.Transient) << 24)
		sessionBase := handle.Physical(uint32(handle.HMACSession) << 24)
		s.proxy.FlushRange(ctx, transientBase, transientBase+0x01000000, logf)
		s.proxy.FlushRange(ctx, sessionBase, sessionBase+0x01000000, logf)
	}

	return nil
}

// countLoadedTransients queries TPM2_CAP_HANDLES for the transient
// range and reports how many the device currently reports resident.
func (s *BrokerService) countLoadedTransients(ctx context.Context) (int, error) {
	const capHandles uint32 = 0x00000001
	transientBase := uint32(handle.Transient) << 24

	buf, err := s.proxy.GetCapability(ctx, capHandles, transientBase, 64)
	if err != nil {
		return 0, err
	}
	if buf.Code() != 0 {
		return 0, fmt.Errorf("service: get_capability rc=0x%08x", buf.Code())
	}

	body := buf.BodyAfterHandles(0)
	if len(body) < 9 {
		return 0, nil
	}
	count := int(uint32(body[5])<<24 | uint32(body[6])<<16 | uint32(body[7])<<8 | uint32(body[8]))
	return count, nil
}

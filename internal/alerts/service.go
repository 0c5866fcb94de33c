// Package alerts forwards operational signals (sweep summaries, session
// trouble, failed sends) to an operator Telegram chat. Delivery is
// best-effort: the bus drops events when this service lags, and a failed
// Telegram send is only logged.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"cobrazap/internal/eventbus"
	logx "cobrazap/pkg/logx"
)

type Config struct {
	Enabled bool
	Token   string
	ChatID  int64
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	bot *tele.Bot

	cancel context.CancelFunc
	unsub  func()
	wg     sync.WaitGroup
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, log: log, bus: bus}
	if !cfg.Enabled {
		return s, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alerts enabled but telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alerts enabled but chat_id is not set")
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	s.bot = bot
	return s, nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	ch, unsub := s.bus.Subscribe(64)
	s.unsub = unsub

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.worker(runCtx, ch)
	}()
	s.log.Info("alerts started", logx.Int64("chat_id", s.cfg.ChatID))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	unsub := s.unsub
	s.cancel = nil
	s.unsub = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if unsub != nil {
		unsub()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) worker(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if msg := formatEvent(ev); msg != "" {
				s.send(ctx, msg)
			}
		}
	}
}

func (s *Service) send(ctx context.Context, text string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), text); err != nil {
		s.log.Warn("alert delivery failed", logx.Err(err))
	}
}

// formatEvent renders a bus event for the operator chat; an empty result
// means the event is not alert-worthy.
func formatEvent(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.TypeSweepDone:
		d, ok := ev.Data.(eventbus.SweepDoneData)
		if !ok {
			return ""
		}
		return fmt.Sprintf("Sweep finished for tenant %s: %d/%d sent (%s)",
			d.TenantID, d.Sent, d.Total, d.Took.Round(time.Millisecond))
	case eventbus.TypeSendFailed:
		d, ok := ev.Data.(eventbus.SendFailedData)
		if !ok {
			return ""
		}
		return fmt.Sprintf("Send failed for tenant %s, record %s: %s", d.TenantID, d.RecordID, d.Reason)
	case eventbus.TypeSessionState:
		d, ok := ev.Data.(eventbus.SessionStateData)
		if !ok {
			return ""
		}
		switch d.State {
		case "error", "error_qr", "device_offline":
			return fmt.Sprintf("Session for tenant %s entered state %s", d.TenantID, d.State)
		}
		return ""
	default:
		return ""
	}
}

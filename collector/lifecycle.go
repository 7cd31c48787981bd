package collector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/logger"
	"tickflow/models"
)

// errSessionEnded signals that close or context cancellation ended the
// session mid-handshake. Run treats it as a clean stop.
var errSessionEnded = errors.New("session ended")

type loginResult struct {
	ok  bool
	err error
}

type subResult struct {
	contract string
	ok       bool
	err      error
}

// Lifecycle drives one vendor adapter through the source state machine:
// connect, login, subscribe, collect, close. It owns the per-source
// queue and absorbs adapter callbacks, so the dispatcher only ever sees
// CollectData and Close.
type Lifecycle struct {
	adapter Adapter
	cfg     config.CollectorConfig
	creds   Credentials
	queue   *Queue
	log     *logger.Entry

	state atomic.Int32

	mu      sync.Mutex
	desired []string
	acked   map[string]bool

	connected   chan struct{}
	logins      chan loginResult
	subs        chan subResult
	disconnects chan error
	closing     chan struct{}
	closeOnce   sync.Once

	limiter *rate.Limiter
	retry   *backoff.Backoff

	lastDropped uint64
}

func NewLifecycle(adapter Adapter, creds Credentials, contracts []string, cfg config.CollectorConfig) *Lifecycle {
	l := &Lifecycle{
		adapter:     adapter,
		cfg:         cfg,
		creds:       creds,
		desired:     append([]string(nil), contracts...),
		acked:       make(map[string]bool),
		queue:       NewQueue(cfg.QueueSize, OverflowPolicy(cfg.OverflowPolicy)),
		log:         logger.GetLogger().WithComponent("collector").WithFields(logger.Fields{"source": adapter.SourceTag()}),
		connected:   make(chan struct{}, 1),
		logins:      make(chan loginResult, 1),
		subs:        make(chan subResult, 256),
		disconnects: make(chan error, 1),
		closing:     make(chan struct{}),
		limiter:     rate.NewLimiter(rate.Limit(cfg.SubscribesPerSec), 1),
		retry: &backoff.Backoff{
			Min:    cfg.Retry.BaseDelay,
			Max:    cfg.Retry.MaxDelay,
			Factor: cfg.Retry.Factor,
			Jitter: true,
		},
	}
	l.state.Store(int32(models.StateDisconnected))
	return l
}

func (l *Lifecycle) SourceTag() string {
	return l.adapter.SourceTag()
}

func (l *Lifecycle) State() models.SourceState {
	return models.SourceState(l.state.Load())
}

func (l *Lifecycle) setState(s models.SourceState) {
	prev := models.SourceState(l.state.Swap(int32(s)))
	if prev != s {
		l.log.WithFields(logger.Fields{"from": prev.String(), "to": s.String()}).Debug("state transition")
	}
	if s == models.StateSubscribed {
		metrics.SourceUp.WithLabelValues(l.SourceTag()).Set(1)
	} else {
		metrics.SourceUp.WithLabelValues(l.SourceTag()).Set(0)
	}
}

// Run owns the session loop until the context is cancelled, Close is
// called, or the source becomes disabled. Retryable failures are
// retried with exponential backoff; authentication failures and
// exhausted attempts park the source in the disabled state.
func (l *Lifecycle) Run(ctx context.Context) {
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			l.Close()
			return
		case <-l.closing:
			return
		default:
		}

		err := l.session(ctx)
		if err == nil || errors.Is(err, errSessionEnded) {
			return
		}

		var se *SourceError
		if errors.As(err, &se) && !se.Retryable() {
			l.setState(models.StateDisabled)
			l.log.WithError(err).Error("source disabled")
		}

		attempts++
		if l.cfg.Retry.MaxAttempts > 0 && attempts >= l.cfg.Retry.MaxAttempts {
			l.setState(models.StateDisabled)
			l.log.WithError(err).WithFields(logger.Fields{"attempts": attempts}).Error("retry budget exhausted, source disabled")
		}
		if l.State().Terminal() {
			return
		}

		l.setState(models.StateFailed)
		l.adapter.Close()
		delay := l.retry.Duration()
		l.log.WithError(err).WithFields(logger.Fields{
			"attempt":     attempts,
			"retry_after": delay.String(),
		}).Warn("session failed, retrying")

		select {
		case <-ctx.Done():
			l.Close()
			return
		case <-l.closing:
			return
		case <-time.After(delay):
		}
	}
}

// session runs one full connect-to-steady-state attempt. A nil return
// means the session ended by close or context cancellation.
func (l *Lifecycle) session(ctx context.Context) error {
	l.drainSignals()
	l.resetAcks()

	l.setState(models.StateConnecting)
	if err := l.adapter.Connect(ctx, l); err != nil {
		return &SourceError{Kind: ErrConnection, Source: l.SourceTag(), Err: err}
	}
	if err := l.awaitConnected(ctx); err != nil {
		return err
	}
	l.setState(models.StateConnected)

	l.setState(models.StateLoggingIn)
	if err := l.adapter.Login(ctx, l.creds); err != nil {
		return &SourceError{Kind: ErrConnection, Source: l.SourceTag(), Err: err}
	}
	if err := l.awaitLogin(ctx); err != nil {
		return err
	}
	l.setState(models.StateLoggedIn)

	l.setState(models.StateSubscribing)
	if err := l.replaySubscriptions(ctx); err != nil {
		return err
	}
	l.setState(models.StateSubscribed)
	l.retry.Reset()
	l.log.Info("source subscribed")

	return l.steadyState(ctx)
}

func (l *Lifecycle) awaitConnected(ctx context.Context) error {
	timer := time.NewTimer(l.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-l.connected:
		return nil
	case err := <-l.disconnects:
		return &SourceError{Kind: ErrConnection, Source: l.SourceTag(), Err: err}
	case <-timer.C:
		return &SourceError{Kind: ErrTimeout, Source: l.SourceTag(), Err: errors.New("connect timed out")}
	case <-l.closing:
		return errSessionEnded
	case <-ctx.Done():
		return errSessionEnded
	}
}

func (l *Lifecycle) awaitLogin(ctx context.Context) error {
	timer := time.NewTimer(l.cfg.LoginTimeout)
	defer timer.Stop()
	select {
	case res := <-l.logins:
		if !res.ok {
			return &SourceError{Kind: ErrAuthentication, Source: l.SourceTag(), Err: res.err}
		}
		return nil
	case err := <-l.disconnects:
		return &SourceError{Kind: ErrConnection, Source: l.SourceTag(), Err: err}
	case <-timer.C:
		return &SourceError{Kind: ErrTimeout, Source: l.SourceTag(), Err: errors.New("login timed out")}
	case <-l.closing:
		return errSessionEnded
	case <-ctx.Done():
		return errSessionEnded
	}
}

// replaySubscriptions requests every desired contract not yet acked in
// this session and waits for the per-contract responses. Acks are
// drained while requests are still being sent, so an adapter that acks
// synchronously can never fill the ack channel regardless of contract
// count. Individual rejections are logged and skipped; only transport
// loss or a timeout fails the session.
func (l *Lifecycle) replaySubscriptions(ctx context.Context) error {
	pending := l.pendingContracts()
	if len(pending) == 0 {
		return nil
	}

	outstanding := 0
	for _, c := range pending {
		if err := l.limiter.Wait(ctx); err != nil {
			return errSessionEnded
		}
		if err := l.adapter.Subscribe(ctx, []string{c}); err != nil {
			return &SourceError{Kind: ErrConnection, Source: l.SourceTag(), Err: err}
		}
		outstanding++
	drain:
		for outstanding > 0 {
			select {
			case res := <-l.subs:
				outstanding--
				l.handleSubResult(res)
			default:
				break drain
			}
		}
	}

	deadline := time.NewTimer(l.cfg.SubscribeTimeout)
	defer deadline.Stop()
	for outstanding > 0 {
		select {
		case res := <-l.subs:
			outstanding--
			l.handleSubResult(res)
		case err := <-l.disconnects:
			return &SourceError{Kind: ErrConnection, Source: l.SourceTag(), Err: err}
		case <-deadline.C:
			return &SourceError{Kind: ErrTimeout, Source: l.SourceTag(), Err: errors.New("subscribe acks timed out")}
		case <-l.closing:
			return errSessionEnded
		case <-ctx.Done():
			return errSessionEnded
		}
	}
	return nil
}

func (l *Lifecycle) handleSubResult(res subResult) {
	if res.ok {
		l.markAcked(res.contract)
		return
	}
	subErr := &SourceError{Kind: ErrSubscription, Source: l.SourceTag(), Err: res.err}
	l.log.WithError(subErr).WithFields(logger.Fields{"contract": res.contract}).Warn("subscription rejected")
}

func (l *Lifecycle) steadyState(ctx context.Context) error {
	for {
		select {
		case err := <-l.disconnects:
			return &SourceError{Kind: ErrConnection, Source: l.SourceTag(), Err: err}
		case res := <-l.subs:
			if res.ok {
				l.markAcked(res.contract)
			} else {
				l.log.WithFields(logger.Fields{"contract": res.contract}).WithError(res.err).Warn("subscription rejected")
			}
		case <-l.closing:
			return nil
		case <-ctx.Done():
			l.Close()
			return nil
		}
	}
}

// Subscribe adds contracts to the desired set. When the source is
// already in the subscribed state the new contracts are requested
// immediately; otherwise the next session replays them.
func (l *Lifecycle) Subscribe(ctx context.Context, contracts []string) error {
	l.mu.Lock()
	var added []string
	for _, c := range contracts {
		found := false
		for _, d := range l.desired {
			if d == c {
				found = true
				break
			}
		}
		if !found {
			l.desired = append(l.desired, c)
		}
		if !l.acked[c] {
			added = append(added, c)
		}
	}
	l.mu.Unlock()

	if l.State() != models.StateSubscribed || len(added) == 0 {
		return nil
	}
	for _, c := range added {
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := l.adapter.Subscribe(ctx, []string{c}); err != nil {
			return &SourceError{Kind: ErrConnection, Source: l.SourceTag(), Err: err}
		}
	}
	return nil
}

// CollectData drains up to max raw records from the source queue. It is
// non-blocking and safe to call in any state.
func (l *Lifecycle) CollectData(max int) []models.RawRecord {
	out := l.queue.Drain(max)
	if n := len(out); n > 0 {
		metrics.TicksCollected.WithLabelValues(l.SourceTag()).Add(float64(n))
	}
	if d := l.queue.Dropped(); d > l.lastDropped {
		metrics.QueueDrops.WithLabelValues(l.SourceTag()).Add(float64(d - l.lastDropped))
		l.lastDropped = d
	}
	return out
}

// Close tears the source down exactly once. Market data arriving after
// Close is discarded, so late adapter callbacks never repopulate the
// queue.
func (l *Lifecycle) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		disabled := l.State() == models.StateDisabled
		l.setState(models.StateClosing)
		l.mu.Unlock()
		close(l.closing)
		if err := l.adapter.Close(); err != nil {
			l.log.WithError(err).Warn("adapter close failed")
		}
		if disabled {
			l.setState(models.StateDisabled)
		} else {
			l.setState(models.StateDisconnected)
		}
		l.log.Info("source closed")
	})
}

// Status is a point-in-time snapshot for the dashboard.
type Status struct {
	Source     string `json:"source"`
	State      string `json:"state"`
	QueueLen   int    `json:"queue_len"`
	Dropped    uint64 `json:"dropped"`
	Subscribed int    `json:"subscribed"`
}

func (l *Lifecycle) Status() Status {
	l.mu.Lock()
	acked := len(l.acked)
	l.mu.Unlock()
	return Status{
		Source:     l.SourceTag(),
		State:      l.State().String(),
		QueueLen:   l.queue.Len(),
		Dropped:    l.queue.Dropped(),
		Subscribed: acked,
	}
}

func (l *Lifecycle) pendingContracts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var pending []string
	for _, c := range l.desired {
		if !l.acked[c] {
			pending = append(pending, c)
		}
	}
	return pending
}

func (l *Lifecycle) markAcked(contract string) {
	l.mu.Lock()
	l.acked[contract] = true
	l.mu.Unlock()
}

func (l *Lifecycle) resetAcks() {
	l.mu.Lock()
	l.acked = make(map[string]bool)
	l.mu.Unlock()
}

func (l *Lifecycle) drainSignals() {
	for {
		select {
		case <-l.connected:
		case <-l.logins:
		case <-l.subs:
		case <-l.disconnects:
		default:
			return
		}
	}
}

// Events implementation. Adapters call these from their own goroutines;
// sends are non-blocking so a slow session loop can never stall a
// vendor callback thread.

func (l *Lifecycle) OnConnected() {
	select {
	case l.connected <- struct{}{}:
	default:
	}
}

func (l *Lifecycle) OnDisconnected(err error) {
	select {
	case l.disconnects <- err:
	default:
	}
}

func (l *Lifecycle) OnLoginResponse(ok bool, err error) {
	select {
	case l.logins <- loginResult{ok: ok, err: err}:
	default:
	}
}

func (l *Lifecycle) OnSubscribeResponse(contract string, ok bool, err error) {
	select {
	case l.subs <- subResult{contract: contract, ok: ok, err: err}:
	default:
		l.log.WithFields(logger.Fields{"contract": contract}).Warn("subscribe ack dropped, channel full")
	}
}

// OnMarketData checks state and pushes under one lock so a record can
// never slip into the queue after Close has flipped the state.
func (l *Lifecycle) OnMarketData(raw models.RawRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.State() {
	case models.StateClosing, models.StateDisconnected, models.StateDisabled:
		return
	}
	l.queue.Push(raw)
}

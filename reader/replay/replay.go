// Package replay plays a recorded frame capture back through the
// collector, for offline development and pipeline tests without a live
// gateway.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"tickflow/collector"
	"tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// capturedFrame is one line of a capture file. Payload is base64 in the
// JSON encoding.
type capturedFrame struct {
	Kind    string `json:"kind"`
	Payload []byte `json:"payload"`
}

// Player implements collector.Adapter over a JSON-lines capture file.
// Playback starts once the lifecycle subscribes and stops at Close or
// end of file, unless loop mode is on.
type Player struct {
	tag string
	cfg config.ReplayConfig
	log *logger.Entry

	mu      sync.Mutex
	ev      collector.Events
	cancel  context.CancelFunc
	playing bool
	wg      sync.WaitGroup
}

func New(tag string, cfg config.ReplayConfig) *Player {
	return &Player{
		tag: tag,
		cfg: cfg,
		log: logger.GetLogger().WithComponent("replay").WithFields(logger.Fields{"source": tag}),
	}
}

func (p *Player) SourceTag() string { return p.tag }

func (p *Player) Connect(ctx context.Context, ev collector.Events) error {
	if _, err := os.Stat(p.cfg.Path); err != nil {
		return fmt.Errorf("capture file: %w", err)
	}
	p.mu.Lock()
	p.ev = ev
	p.mu.Unlock()
	ev.OnConnected()
	return nil
}

func (p *Player) Login(ctx context.Context, creds collector.Credentials) error {
	p.mu.Lock()
	ev := p.ev
	p.mu.Unlock()
	ev.OnLoginResponse(true, nil)
	return nil
}

// Subscribe acks every contract and starts playback on the first call.
// The capture is whole-feed, so the contract filter is not applied.
func (p *Player) Subscribe(ctx context.Context, contracts []string) error {
	p.mu.Lock()
	ev := p.ev
	start := !p.playing
	if start {
		p.playing = true
		playCtx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.wg.Add(1)
		go p.play(playCtx, ev)
	}
	p.mu.Unlock()

	for _, c := range contracts {
		ev.OnSubscribeResponse(c, true, nil)
	}
	return nil
}

func (p *Player) Close() error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.playing = false
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	return nil
}

func (p *Player) play(ctx context.Context, ev collector.Events) {
	defer p.wg.Done()
	for {
		if err := p.playFile(ctx, ev); err != nil {
			p.log.WithError(err).Warn("playback failed")
			ev.OnDisconnected(err)
			return
		}
		if ctx.Err() != nil || !p.cfg.Loop {
			return
		}
	}
}

func (p *Player) playFile(ctx context.Context, ev collector.Events) error {
	file, err := os.Open(p.cfg.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	emitted := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var fr capturedFrame
		if err := json.Unmarshal(line, &fr); err != nil {
			p.log.WithError(err).Warn("skipping bad capture line")
			continue
		}
		ev.OnMarketData(models.RawRecord{
			SourceTag: p.tag,
			Kind:      fr.Kind,
			Payload:   fr.Payload,
			Received:  time.Now(),
		})
		emitted++

		if p.cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.cfg.Interval):
			}
		} else if ctx.Err() != nil {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	p.log.WithFields(logger.Fields{"frames": emitted}).Info("capture playback finished")
	return nil
}

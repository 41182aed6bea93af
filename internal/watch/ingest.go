package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/workflow"
	"github.com/dyluth/warren/pkg/vault"
)

const actorIngest = "ingest_service"

// IngestService turns Inbox drops into actions. It subscribes to the
// watcher's file.created events and, on start, sweeps the Inbox so drops that
// arrived while nothing was running are not lost. Both paths converge on
// Engine.Ingest, whose stem lock makes duplicate delivery harmless.
type IngestService struct {
	engine *workflow.Engine
	bus    *bus.Bus
	log    *slog.Logger

	mu  sync.Mutex
	sub *bus.Subscription
}

func NewIngestService(engine *workflow.Engine, b *bus.Bus, log *slog.Logger) *IngestService {
	return &IngestService{
		engine: engine,
		bus:    b,
		log:    log.With("component", actorIngest),
	}
}

func (s *IngestService) Name() string { return actorIngest }

func (s *IngestService) Start(ctx context.Context) error {
	sub, err := s.bus.Subscribe(bus.EventFileCreated, actorIngest, s.onFileCreated)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	s.sweep(ctx)
	return nil
}

func (s *IngestService) Stop(_ context.Context) error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	s.bus.Unsubscribe(sub)
	return nil
}

func (s *IngestService) HealthCheck(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return fmt.Errorf("%s: not subscribed", actorIngest)
	}
	return nil
}

func (s *IngestService) onFileCreated(ctx context.Context, ev bus.Event) {
	folder, _ := ev.Payload["folder"].(string)
	name, _ := ev.Payload["name"].(string)
	if folder != vault.FolderInbox || name == "" {
		return
	}
	s.ingest(ctx, name)
}

func (s *IngestService) sweep(ctx context.Context) {
	entries, err := os.ReadDir(s.engine.Layout().Dir(vault.FolderInbox))
	if err != nil {
		s.log.Warn("sweeping Inbox", "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.ingest(ctx, entry.Name())
	}
}

func (s *IngestService) ingest(ctx context.Context, name string) {
	// Editors and sync tools drop hidden and temp files in watched folders.
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
		return
	}
	if _, _, err := s.engine.Ingest(ctx, name); err != nil {
		// Losing the lock race to another trigger finds the file gone.
		if vault.IsKind(err, vault.KindFileNotFound) {
			return
		}
		s.log.Error("ingesting inbox drop failed", "file", name, "error", err)
	}
}

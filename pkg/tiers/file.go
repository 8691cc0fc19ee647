package tiers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk layout of a tier catalog
type catalogFile struct {
	Tiers []catalogEntry `yaml:"tiers"`
}

type catalogEntry struct {
	ID                 int64  `yaml:"id"`
	Name               string `yaml:"name"`
	Price              string `yaml:"price"`
	BillingDuration    string `yaml:"billing_duration"`
	TrialPeriodDays    int    `yaml:"trial_period_days"`
	MaxTrialExtensions int    `yaml:"max_trial_extensions"`
	IsActive           *bool  `yaml:"is_active"`
}

// ParseCatalog decodes a YAML tier catalog
func ParseCatalog(data []byte) ([]*Tier, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tier catalog: %w", err)
	}

	seen := make(map[int64]bool, len(file.Tiers))
	out := make([]*Tier, 0, len(file.Tiers))
	for i, e := range file.Tiers {
		if e.ID <= 0 {
			return nil, fmt.Errorf("tier %d: id must be positive", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("tier %d: duplicate id %d", i, e.ID)
		}
		seen[e.ID] = true

		price, err := decimal.NewFromString(e.Price)
		if err != nil {
			return nil, fmt.Errorf("tier %d: invalid price %q: %w", e.ID, e.Price, err)
		}
		duration, err := ParseBillingDuration(e.BillingDuration)
		if err != nil {
			return nil, fmt.Errorf("tier %d: %w", e.ID, err)
		}
		active := true
		if e.IsActive != nil {
			active = *e.IsActive
		}

		t := &Tier{
			ID:                 e.ID,
			Name:               e.Name,
			Price:              price,
			BillingDuration:    duration,
			TrialPeriodDays:    e.TrialPeriodDays,
			MaxTrialExtensions: e.MaxTrialExtensions,
			IsActive:           active,
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// LoadFile reads and parses a catalog file
func LoadFile(path string) ([]*Tier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tier catalog: %w", err)
	}
	return ParseCatalog(data)
}

// Seed upserts every tier into w
func Seed(ctx context.Context, w Writer, tiers []*Tier) error {
	for _, t := range tiers {
		if err := w.UpsertTier(ctx, t); err != nil {
			return fmt.Errorf("failed to seed tier %d: %w", t.ID, err)
		}
	}
	return nil
}

// Watcher re-seeds the catalog whenever the file changes
type Watcher struct {
	path     string
	writer   Writer
	onReload func([]*Tier)
	logger   *logrus.Logger
}

// NewWatcher creates a watcher for path. onReload runs after each successful seed.
func NewWatcher(path string, w Writer, onReload func([]*Tier), logger *logrus.Logger) *Watcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Watcher{path: path, writer: w, onReload: onReload, logger: logger}
}

// Start watches the catalog directory until ctx is done
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	// Editors replace files on save, so watch the directory rather than the file
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	go w.loop(ctx, fw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer fw.Close()
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.Reload(ctx); err != nil {
				w.logger.WithError(err).WithField("path", w.path).Error("Failed to reload tier catalog")
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Tier catalog watcher error")
		}
	}
}

// Reload reads the file and seeds it once
func (w *Watcher) Reload(ctx context.Context) error {
	tiers, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	if err := Seed(ctx, w.writer, tiers); err != nil {
		return err
	}
	w.logger.WithFields(logrus.Fields{
		"path":  w.path,
		"tiers": len(tiers),
	}).Info("Tier catalog reloaded")
	if w.onReload != nil {
		w.onReload(tiers)
	}
	return nil
}

package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

const (
	DarkModeKey = "darkMode"
	HistoryKey  = "weatherSearchHistory"

	// MaxHistoryItems bounds the search history.
	MaxHistoryItems = 5
)

// Preferences exposes the theme flag and search history on top of a KeyValueStore.
type Preferences struct {
	store KeyValueStore
	// historyMu serializes history read-modify-write cycles.
	historyMu sync.Mutex
}

func New(store KeyValueStore) *Preferences {
	return &Preferences{store: store}
}

// DarkMode returns the stored theme flag, false when unset.
func (p *Preferences) DarkMode(ctx context.Context) (bool, error) {
	raw, err := p.store.Get(ctx, DarkModeKey)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", DarkModeKey, err)
	}
	return v, nil
}

func (p *Preferences) SetDarkMode(ctx context.Context, on bool) error {
	return p.store.Set(ctx, DarkModeKey, strconv.FormatBool(on))
}

// History returns recent searches, most recent first. A corrupt stored value
// reads as empty.
func (p *Preferences) History(ctx context.Context) ([]string, error) {
	raw, err := p.store.Get(ctx, HistoryKey)
	if errors.Is(err, ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return []string{}, nil
	}
	return items, nil
}

// AddToHistory moves query to the front, dropping an earlier identical entry
// and anything past MaxHistoryItems.
func (p *Preferences) AddToHistory(ctx context.Context, query string) ([]string, error) {
	query = strings.TrimSpace(query)
	p.historyMu.Lock()
	defer p.historyMu.Unlock()
	current, err := p.History(ctx)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return current, nil
	}

	items := make([]string, 0, MaxHistoryItems)
	items = append(items, query)
	for _, it := range current {
		if it == query {
			continue
		}
		if len(items) == MaxHistoryItems {
			break
		}
		items = append(items, it)
	}

	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	if err := p.store.Set(ctx, HistoryKey, string(raw)); err != nil {
		return nil, err
	}
	return items, nil
}

func (p *Preferences) ClearHistory(ctx context.Context) error {
	p.historyMu.Lock()
	defer p.historyMu.Unlock()
	return p.store.Delete(ctx, HistoryKey)
}

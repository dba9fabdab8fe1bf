package problems

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	yaml "gopkg.in/yaml.v3"
)

// Catalog serves question sets loaded from YAML files in a directory,
// one set per file. Useful for provisioning trivia content without a
// database row per question.
type Catalog struct {
	mu   sync.RWMutex
	sets map[string]*QuestionSet
	ids  []string
}

// LoadCatalog reads every .yaml/.yml file under dir in deterministic
// order and validates each set.
func LoadCatalog(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasSuffix(n, ".yaml") || strings.HasSuffix(n, ".yml") {
			files = append(files, n)
		}
	}
	sort.Strings(files)

	c := &Catalog{sets: make(map[string]*QuestionSet)}
	for _, name := range files {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var qs QuestionSet
		if err := yaml.Unmarshal(raw, &qs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if err := validateSet(&qs); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if _, dup := c.sets[qs.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate set id %q", name, qs.ID)
		}
		c.sets[qs.ID] = &qs
		c.ids = append(c.ids, qs.ID)
	}
	if len(c.sets) == 0 {
		return nil, fmt.Errorf("no question sets in %s", dir)
	}
	return c, nil
}

func validateSet(qs *QuestionSet) error {
	if strings.TrimSpace(qs.ID) == "" {
		return fmt.Errorf("question set missing id")
	}
	if len(qs.Questions) == 0 {
		return fmt.Errorf("set %q has no questions", qs.ID)
	}
	seen := make(map[string]bool, len(qs.Questions))
	for i := range qs.Questions {
		q := &qs.Questions[i]
		if strings.TrimSpace(q.ID) == "" {
			return fmt.Errorf("set %q: question %d missing id", qs.ID, i)
		}
		if seen[q.ID] {
			return fmt.Errorf("set %q: duplicate question id %q", qs.ID, q.ID)
		}
		seen[q.ID] = true
		if len(q.Options) < 4 {
			return fmt.Errorf("set %q question %q: need at least 4 options", qs.ID, q.ID)
		}
		if q.Correct < 0 || q.Correct >= len(q.Options) {
			return fmt.Errorf("set %q question %q: correct index out of range", qs.ID, q.ID)
		}
	}
	return nil
}

func (c *Catalog) PickQuestionSet(_ context.Context) (*QuestionSet, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.ids) == 0 {
		return nil, ErrNotFound
	}
	return c.sets[c.ids[rand.Intn(len(c.ids))]], nil
}

func (c *Catalog) QuestionSet(_ context.Context, id string) (*QuestionSet, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	qs, ok := c.sets[id]
	if !ok {
		return nil, fmt.Errorf("question set %s: %w", id, ErrNotFound)
	}
	return qs, nil
}

// SetIDs lists loaded set ids in file order.
func (c *Catalog) SetIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.ids...)
}

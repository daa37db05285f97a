package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"sync"

	"github.com/magickw/linkdao-riskmod/riskmod/model"
)

// In-process policy store, holding any number of templates with one active.
type MemStore struct {
	mu      sync.RWMutex
	active  string
	rules   map[ruleKey]model.PolicyRule
	weights map[string]map[model.Category]map[string]float64
	names   map[string]string
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		rules:   make(map[ruleKey]model.PolicyRule),
		weights: make(map[string]map[model.Category]map[string]float64),
		names:   make(map[string]string),
	}
}

// NewDefaultMemStore is a MemStore with every built-in template loaded, and
// the Balanced template active.
func NewDefaultMemStore() *MemStore {
	s := NewMemStore()
	for _, t := range DefaultTemplates() {
		if err := s.AddTemplate(t); err != nil {
			// built-in templates are static data
			panic(err)
		}
	}
	s.active = BalancedVersion
	return s
}

// AddTemplate loads (or replaces) every rule and weight of a template. The
// first template added becomes active.
func (s *MemStore) AddTemplate(t Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.rules {
		if k.Version == t.Version {
			delete(s.rules, k)
		}
	}
	for _, r := range t.Rules {
		r.Version = t.Version
		s.rules[ruleKey{Version: t.Version, ContentType: r.ContentType, Category: r.Category}] = r
	}
	w := make(map[model.Category]map[string]float64)
	for _, vw := range t.VendorWeights {
		if w[vw.Category] == nil {
			w[vw.Category] = make(map[string]float64)
		}
		w[vw.Category][vw.VendorName] = vw.Weight
	}
	s.weights[t.Version] = w
	s.names[t.Version] = t.Name
	if s.active == "" {
		s.active = t.Version
	}
	return nil
}

// On-disk template bundle, of the form:
//
//	{"active": "balanced@1", "templates": [{"name": ..., "version": ..., "rules": [...], "vendorWeights": [...]}]}
type TemplateFile struct {
	Active    string     `json:"active"`
	Templates []Template `json:"templates"`
}

func ReadTemplateFileJSON(p string) (*TemplateFile, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var tf TemplateFile
	if err := json.Unmarshal(raw, &tf); err != nil {
		return nil, fmt.Errorf("parsing policy template file: %w", err)
	}
	for i := range tf.Templates {
		if err := tf.Templates[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &tf, nil
}

// LoadFromFileJSON adds every template in the file (see TemplateFile), and
// activates the one it names.
func (s *MemStore) LoadFromFileJSON(p string) error {
	tf, err := ReadTemplateFileJSON(p)
	if err != nil {
		return err
	}
	for _, t := range tf.Templates {
		if err := s.AddTemplate(t); err != nil {
			return err
		}
	}
	if tf.Active != "" {
		return s.ActivateTemplate(context.Background(), tf.Active)
	}
	return nil
}

func (s *MemStore) FetchActiveRule(ctx context.Context, ct model.ContentType, cat model.Category, version string) (*model.PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[ruleKey{Version: version, ContentType: ct, Category: cat}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s@%s", ErrPolicyNotFound, ct, cat, version)
	}
	return &r, nil
}

func (s *MemStore) FetchVendorWeights(ctx context.Context, cat model.Category) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w := s.weights[s.active][cat]
	if w == nil {
		return map[string]float64{}, nil
	}
	return maps.Clone(w), nil
}

func (s *MemStore) ActiveVersion(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == "" {
		return "", ErrUnknownTemplate
	}
	return s.active, nil
}

func (s *MemStore) PutRule(ctx context.Context, rule model.PolicyRule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[rule.Version]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTemplate, rule.Version)
	}
	s.rules[ruleKey{Version: rule.Version, ContentType: rule.ContentType, Category: rule.Category}] = rule
	return nil
}

func (s *MemStore) PutVendorWeights(ctx context.Context, cat model.Category, weights map[string]float64) error {
	if err := validateWeights(weights); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == "" {
		return ErrUnknownTemplate
	}
	if s.weights[s.active] == nil {
		s.weights[s.active] = make(map[model.Category]map[string]float64)
	}
	s.weights[s.active][cat] = maps.Clone(weights)
	return nil
}

func (s *MemStore) ActivateTemplate(ctx context.Context, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[version]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTemplate, version)
	}
	s.active = version
	return nil
}

func (s *MemStore) DeleteRule(ctx context.Context, ct model.ContentType, cat model.Category, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := ruleKey{Version: version, ContentType: ct, Category: cat}
	if _, ok := s.rules[k]; !ok {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, k)
	}
	delete(s.rules, k)
	return nil
}

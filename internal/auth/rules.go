// Package auth implements access control: the per-owner rule store with
// wildcard fallbacks, the credential stores (flat file and hashed database
// records), and session-token verification.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/statecast/statecast/internal/docstore"
	"github.com/statecast/statecast/internal/metrics"
)

// Wildcard matches any accessor, type, or name in a rule.
const Wildcard = "*"

// Resource type names used in rules and authorization decisions.
const (
	TypeAppState = "appState"
	TypeTable    = "table"
	TypeMetadata = "metadata"
	TypeExternal = "external"
)

// RuleStore resolves the accessor→verdict map for one (owner, type, name).
// A nil map means no rules exist for that key.
type RuleStore interface {
	Rules(ctx context.Context, owner, typ, name string) (map[string]bool, error)
}

// Config toggles the configurable fallbacks of rule resolution.
type Config struct {
	// OwnerSelfAccess lets an owner access their own resources without an
	// explicit rule. On by default.
	OwnerSelfAccess bool

	// PublicDataAccess opens table and metadata resources to everyone.
	PublicDataAccess bool
}

// Authorizer resolves (owner, type, name, accessor) to allow or deny.
// Resolution on unchanged rule state is referentially transparent.
type Authorizer struct {
	store  RuleStore
	cfg    Config
	logger zerolog.Logger
}

// NewAuthorizer builds an authorizer over a rule store.
func NewAuthorizer(store RuleStore, cfg Config, logger zerolog.Logger) *Authorizer {
	return &Authorizer{store: store, cfg: cfg, logger: logger}
}

// lookup reads the verdict for an accessor, falling back to the wildcard
// accessor within the same rule.
func lookup(rules map[string]bool, accessor string) (verdict, ok bool) {
	if rules == nil {
		return false, false
	}
	if v, ok := rules[accessor]; ok {
		return v, true
	}
	if v, ok := rules[Wildcard]; ok {
		return v, true
	}
	return false, false
}

// Authorize decides whether accessor may subscribe to (owner, typ, name).
//
// Order: an owner-wildcard deny short-circuits; an explicit rule for the
// resource wins; an owner-wildcard allow wins; owners reach their own
// resources when configured; table and metadata resources are open under
// public data access; everything else is denied.
func (a *Authorizer) Authorize(ctx context.Context, owner, typ, name, accessor string) (bool, error) {
	wildRules, err := a.store.Rules(ctx, owner, Wildcard, Wildcard)
	if err != nil {
		return false, fmt.Errorf("auth: wildcard rules for %s: %w", owner, err)
	}
	wildVerdict, wildOk := lookup(wildRules, accessor)
	if wildOk && !wildVerdict {
		metrics.AuthDenials.Inc()
		return false, nil
	}

	rules, err := a.store.Rules(ctx, owner, typ, name)
	if err != nil {
		return false, fmt.Errorf("auth: rules for %s/%s/%s: %w", owner, typ, name, err)
	}
	if verdict, ok := lookup(rules, accessor); ok {
		if !verdict {
			metrics.AuthDenials.Inc()
		}
		return verdict, nil
	}

	if wildOk && wildVerdict {
		return true, nil
	}
	if a.cfg.OwnerSelfAccess && accessor != "" && accessor == owner {
		return true, nil
	}
	if a.cfg.PublicDataAccess && (typ == TypeTable || typ == TypeMetadata || typ == TypeExternal) {
		return true, nil
	}

	metrics.AuthDenials.Inc()
	return false, nil
}

// ruleKey joins the rule coordinates into one document id. Tabs cannot
// appear in owners, types, or resource names.
func ruleKey(owner, typ, name string) string {
	return owner + "\t" + typ + "\t" + name
}

// DocRuleStore keeps rules in a docstore collection, one document per
// (owner, type, name).
type DocRuleStore struct {
	coll docstore.Collection
}

// NewDocRuleStore wraps the given collection.
func NewDocRuleStore(coll docstore.Collection) *DocRuleStore {
	return &DocRuleStore{coll: coll}
}

func (s *DocRuleStore) Rules(ctx context.Context, owner, typ, name string) (map[string]bool, error) {
	doc, err := s.coll.Get(ctx, ruleKey(owner, typ, name))
	if err == docstore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, _ := doc["rules"].(map[string]interface{})
	rules := make(map[string]bool, len(raw))
	for accessor, v := range raw {
		verdict, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("auth: rule %s accessor %q has non-boolean verdict %T", doc.ID(), accessor, v)
		}
		rules[accessor] = verdict
	}
	return rules, nil
}

// PutRule records one accessor verdict, creating the rule document on
// demand.
func (s *DocRuleStore) PutRule(ctx context.Context, owner, typ, name, accessor string, allow bool) error {
	id := ruleKey(owner, typ, name)
	doc, err := s.coll.Get(ctx, id)
	if err == docstore.ErrNotFound {
		doc = docstore.Doc{"_id": id, "rules": map[string]interface{}{}}
	} else if err != nil {
		return err
	}
	rules, _ := doc["rules"].(map[string]interface{})
	if rules == nil {
		rules = map[string]interface{}{}
	}
	rules[accessor] = allow
	doc["rules"] = rules
	return s.coll.Put(ctx, doc)
}

// FileRuleStore reads rules from one JSON file per owner under a base
// directory: `<base>/<owner>.rules.json` holding
// {type: {name: {accessor: verdict}}}. Files are read on every resolution;
// rule files are small and editing them must take effect immediately.
type FileRuleStore struct {
	baseDir string
}

// NewFileRuleStore serves rules from baseDir.
func NewFileRuleStore(baseDir string) *FileRuleStore {
	return &FileRuleStore{baseDir: baseDir}
}

func (s *FileRuleStore) Rules(ctx context.Context, owner, typ, name string) (map[string]bool, error) {
	if strings.ContainsAny(owner, "/\\") {
		return nil, fmt.Errorf("auth: owner %q cannot name a rules file", owner)
	}
	raw, err := os.ReadFile(filepath.Join(s.baseDir, owner+".rules.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var byType map[string]map[string]map[string]bool
	if err := json.Unmarshal(raw, &byType); err != nil {
		return nil, fmt.Errorf("auth: rules file for %s: %w", owner, err)
	}
	byName, ok := byType[typ]
	if !ok {
		return nil, nil
	}
	rules, ok := byName[name]
	if !ok {
		return nil, nil
	}
	return rules, nil
}

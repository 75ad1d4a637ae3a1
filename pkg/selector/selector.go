// Package selector picks the bounded, ordered tool subset an agent sees on
// each step. Candidates come from the template version, rules prune them,
// and when the set is still too large a retrieval ranking over the stored
// tool embeddings keeps the most relevant ones.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/maruntime/maruntime/pkg/embedders"
	"github.com/maruntime/maruntime/pkg/rules"
	"github.com/maruntime/maruntime/pkg/store"
	"github.com/maruntime/maruntime/pkg/templates"
	"github.com/maruntime/maruntime/pkg/tools"
)

const toolCollection = "tool-catalog"

// Query carries the per-step session view the selector ranks against.
type Query struct {
	Task           string
	RemainingSteps string
	Stage          string
	Counters       rules.Counters
}

// Selection is the ordered result plus any stage change a rule requested.
type Selection struct {
	Entries []*tools.Entry
	Stage   string
}

// Names returns the ordered tool names, mostly for logging and tests.
func (s Selection) Names() []string {
	out := make([]string, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.Tool.Name()
	}
	return out
}

// Selector ranks catalog tools for one step. The embedder is optional;
// without one, retrieval degrades to the template's declared order.
type Selector struct {
	catalog  *tools.Catalog
	store    *store.Store
	embedder embedders.Embedder

	mu  sync.Mutex
	db  *chromem.DB
	col *chromem.Collection
}

func New(catalog *tools.Catalog, s *store.Store, embedder embedders.Embedder) *Selector {
	return &Selector{
		catalog:  catalog,
		store:    s,
		embedder: embedder,
		db:       chromem.NewDB(),
	}
}

// Sync computes missing tool embeddings, persists them, and mirrors the
// catalog into the in-memory vector index. Safe to call repeatedly; the
// pool runs it during instance prewarm.
func (s *Selector) Sync(ctx context.Context) error {
	if s.embedder == nil {
		return nil
	}
	col, err := s.collection()
	if err != nil {
		return err
	}

	var docs []chromem.Document
	for _, entry := range s.catalog.Entries() {
		row := &entry.Row
		if row.ID == "" {
			continue
		}
		embedding := row.Embedding
		if len(embedding) == 0 {
			embedding, err = s.embedder.Embed(ctx, row.Name+": "+row.Description)
			if err != nil {
				return fmt.Errorf("failed to embed tool %q: %w", row.Name, err)
			}
			if err := s.store.SetToolEmbedding(ctx, row.ID, embedding); err != nil {
				return err
			}
			row.Embedding = embedding
		}
		docs = append(docs, chromem.Document{
			ID:        strings.ToLower(row.Name),
			Content:   row.Description,
			Embedding: embedding,
		})
	}
	if len(docs) == 0 {
		return nil
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to index tool embeddings: %w", err)
	}
	return nil
}

func (s *Selector) collection() (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.col != nil {
		return s.col, nil
	}
	// Embeddings are pre-computed; the collection never embeds on its own.
	col, err := s.db.GetOrCreateCollection(toolCollection, nil, func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("tool index requires pre-computed embeddings")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tool index: %w", err)
	}
	s.col = col
	return col, nil
}

// Select runs the full pipeline: candidates, deny/allow, rules pre-filter,
// retrieval ranking, required-tools union, rules post-filter, fallbacks.
// The result length never exceeds max_tools_in_prompt when one is set.
func (s *Selector) Select(ctx context.Context, version *store.TemplateVersion, settings *templates.Settings, q Query) (Selection, error) {
	policy := &settings.ToolPolicy

	candidates := s.candidateNames(version, policy)
	candidates = applyDenylist(candidates, policy.Denylist)
	candidates = applyAllowlist(candidates, policy.Allowlist)

	pre := rules.Evaluate(settings.Rules, rules.PhasePreRetrieval, q.Counters, candidates)
	candidates = pre.Tools
	stage := pre.Stage

	maxTools := policy.MaxToolsInPrompt
	required := s.activeOnly(policy.RequiredTools)

	if policy.SelectionStrategy == templates.SelectionRetrieval && maxTools > 0 && len(candidates) > maxTools {
		keep := maxTools - len(required)
		if keep < 0 {
			keep = 0
		}
		ranked, err := s.rank(ctx, version, candidates, q)
		if err != nil {
			slog.Warn("Tool retrieval ranking failed, keeping declared order", "error", err)
			ranked = candidates
		}
		if len(ranked) > keep {
			ranked = ranked[:keep]
		}
		candidates = ranked
	}

	candidates = unionFront(required, candidates)

	post := rules.Evaluate(settings.Rules, rules.PhasePostRetrieval, q.Counters, candidates)
	candidates = post.Tools
	if post.Stage != "" {
		stage = post.Stage
	}

	if maxTools > 0 && len(candidates) > maxTools {
		candidates = candidates[:maxTools]
	}

	// Fallback chain: required tools alone, then FinalAnswerTool.
	if len(candidates) == 0 {
		candidates = required
	}
	if len(candidates) == 0 && s.catalog.Has(tools.NameFinalAnswer) {
		candidates = []string{tools.NameFinalAnswer}
	}
	if len(candidates) == 0 {
		return Selection{}, fmt.Errorf("no tools selectable for template version %s", version.ID)
	}

	entries := make([]*tools.Entry, 0, len(candidates))
	for _, name := range candidates {
		entry, err := s.catalog.Resolve(name)
		if err != nil {
			return Selection{}, err
		}
		entries = append(entries, entry)
	}
	return Selection{Entries: entries, Stage: stage}, nil
}

// candidateNames is version.tools ∪ required_tools, in version order with
// missing required tools appended, filtered to active catalog entries.
func (s *Selector) candidateNames(version *store.TemplateVersion, policy *templates.ToolPolicy) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		key := strings.ToLower(name)
		if seen[key] || !s.catalog.Has(name) {
			return
		}
		seen[key] = true
		out = append(out, name)
	}
	for _, name := range version.Tools {
		add(name)
	}
	for _, name := range policy.RequiredTools {
		add(name)
	}
	return out
}

func (s *Selector) activeOnly(names []string) []string {
	var out []string
	for _, name := range names {
		if s.catalog.Has(name) {
			out = append(out, name)
		}
	}
	return out
}

// rank orders candidates by cosine similarity of the step query against
// the stored tool embeddings. Ties break by template tool order, then name.
func (s *Selector) rank(ctx context.Context, version *store.TemplateVersion, candidates []string, q Query) ([]string, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("no embedder configured")
	}
	col, err := s.collection()
	if err != nil {
		return nil, err
	}

	queryText := q.Task
	if q.RemainingSteps != "" {
		queryText += "\n" + q.RemainingSteps
	}
	if q.Stage != "" {
		queryText += "\nstage: " + q.Stage
	}
	queryVec, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, err
	}

	topK := col.Count()
	if topK == 0 {
		return nil, fmt.Errorf("tool index is empty")
	}
	results, err := col.QueryEmbedding(ctx, queryVec, topK, nil, nil)
	if err != nil {
		return nil, err
	}
	scores := make(map[string]float32, len(results))
	for _, r := range results {
		scores[r.ID] = r.Similarity
	}

	versionOrder := make(map[string]int, len(version.Tools))
	for i, name := range version.Tools {
		versionOrder[strings.ToLower(name)] = i
	}
	orderOf := func(name string) int {
		if i, ok := versionOrder[strings.ToLower(name)]; ok {
			return i
		}
		return len(version.Tools)
	}

	ranked := append([]string(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := scores[strings.ToLower(ranked[i])], scores[strings.ToLower(ranked[j])]
		if si != sj {
			return si > sj
		}
		oi, oj := orderOf(ranked[i]), orderOf(ranked[j])
		if oi != oj {
			return oi < oj
		}
		return ranked[i] < ranked[j]
	})
	return ranked, nil
}

func applyDenylist(names, denylist []string) []string {
	if len(denylist) == 0 {
		return names
	}
	drop := lowerSet(denylist)
	var out []string
	for _, name := range names {
		if !drop[strings.ToLower(name)] {
			out = append(out, name)
		}
	}
	return out
}

func applyAllowlist(names, allowlist []string) []string {
	if len(allowlist) == 0 {
		return names
	}
	keep := lowerSet(allowlist)
	var out []string
	for _, name := range names {
		if keep[strings.ToLower(name)] {
			out = append(out, name)
		}
	}
	return out
}

// unionFront puts required tools first, then the remaining ranked names.
func unionFront(required, ranked []string) []string {
	seen := lowerSet(required)
	out := append([]string(nil), required...)
	for _, name := range ranked {
		if !seen[strings.ToLower(name)] {
			out = append(out, name)
		}
	}
	return out
}

func lowerSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[strings.ToLower(name)] = true
	}
	return set
}

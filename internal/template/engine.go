// Package template renders {{placeholder}} substitutions for queued jobs.
// Rendering is total: a missing key never fails a render, the token stays
// in the output literally and is reported as unresolved.
package template

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ignite/mailqueue/internal/domain"
	"github.com/ignite/mailqueue/internal/pkg/logger"
)

var (
	// ErrTemplateInactive is returned when a job references a deactivated
	// template. Jobs hitting this fail permanently.
	ErrTemplateInactive = errors.New("template: template is not active")
)

// placeholderRe matches {{name}} and {{ name }} tokens.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Source fetches template rows. Satisfied by *store.Store.
type Source interface {
	GetTemplate(ctx context.Context, id uuid.UUID) (*domain.EmailTemplate, error)
}

type cacheKey struct {
	id      uuid.UUID
	version int
}

// compiled is a template pre-split into literal and placeholder segments
// so repeated renders skip the regex walk.
type compiled struct {
	subject segments
	body    segments
}

type segment struct {
	literal     string
	placeholder string // token name; raw holds the original text
	raw         string
}

type segments []segment

// Engine substitutes template data into versioned templates. The compiled
// cache is copy-on-write: renders read it lock-free, updates swap in a new
// map under the write mutex.
type Engine struct {
	source Source

	cache   atomic.Value // map[cacheKey]*compiled
	writeMu sync.Mutex
}

// NewEngine creates a template engine over the given source.
func NewEngine(source Source) *Engine {
	e := &Engine{source: source}
	e.cache.Store(map[cacheKey]*compiled{})
	return e
}

// Render fetches the template, substitutes data, and returns the final
// subject/body. The template must exist and be active; everything else is
// total.
func (e *Engine) Render(ctx context.Context, templateID uuid.UUID, data map[string]string) (*domain.RenderResult, error) {
	tmpl, err := e.source.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("fetch template %s: %w", templateID, err)
	}
	if !tmpl.IsActive {
		return nil, ErrTemplateInactive
	}

	c := e.compiledFor(tmpl)

	var result domain.RenderResult
	var unresolved []string
	result.FinalSubject, unresolved = c.subject.render(data, unresolved)
	result.FinalBody, unresolved = c.body.render(data, unresolved)
	result.PlaceholderCount = c.subject.placeholderCount() + c.body.placeholderCount()
	result.Unresolved = unresolved

	if len(unresolved) > 0 {
		logger.Warn("unresolved template placeholders",
			"template_id", templateID.String(),
			"version", fmt.Sprintf("%d", tmpl.Version),
			"placeholders", strings.Join(unresolved, ","))
	}
	return &result, nil
}

// RenderInline substitutes data into a raw subject/body pair without a
// stored template. The worker pool uses this for jobs that carry their own
// content plus substitution data, such as promoted scheduled emails.
func (e *Engine) RenderInline(subject, body string, data map[string]string) *domain.RenderResult {
	cs := compile(subject)
	cb := compile(body)

	var result domain.RenderResult
	var unresolved []string
	result.FinalSubject, unresolved = cs.render(data, unresolved)
	result.FinalBody, unresolved = cb.render(data, unresolved)
	result.PlaceholderCount = cs.placeholderCount() + cb.placeholderCount()
	result.Unresolved = unresolved
	return &result
}

// Invalidate drops all cached versions of a template. Called after a
// template update; renders against the new version re-compile lazily.
func (e *Engine) Invalidate(templateID uuid.UUID) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	old := e.cache.Load().(map[cacheKey]*compiled)
	next := make(map[cacheKey]*compiled, len(old))
	for k, v := range old {
		if k.id != templateID {
			next[k] = v
		}
	}
	e.cache.Store(next)
}

func (e *Engine) compiledFor(tmpl *domain.EmailTemplate) *compiled {
	key := cacheKey{id: tmpl.ID, version: tmpl.Version}

	cache := e.cache.Load().(map[cacheKey]*compiled)
	if c, ok := cache[key]; ok {
		return c
	}

	c := &compiled{
		subject: compile(tmpl.SubjectTemplate),
		body:    compile(tmpl.BodyTemplate),
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	old := e.cache.Load().(map[cacheKey]*compiled)
	if existing, ok := old[key]; ok {
		return existing
	}
	next := make(map[cacheKey]*compiled, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[key] = c
	e.cache.Store(next)
	return c
}

// compile splits text into literal and placeholder segments.
func compile(text string) segments {
	var segs segments
	last := 0
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(text, -1) {
		if loc[0] > last {
			segs = append(segs, segment{literal: text[last:loc[0]]})
		}
		segs = append(segs, segment{
			placeholder: text[loc[2]:loc[3]],
			raw:         text[loc[0]:loc[1]],
		})
		last = loc[1]
	}
	if last < len(text) {
		segs = append(segs, segment{literal: text[last:]})
	}
	return segs
}

// render substitutes data into the segments. Unresolved placeholders keep
// their original token text and are appended to the unresolved slice.
func (s segments) render(data map[string]string, unresolved []string) (string, []string) {
	var b strings.Builder
	for _, seg := range s {
		if seg.placeholder == "" {
			b.WriteString(seg.literal)
			continue
		}
		if val, ok := data[seg.placeholder]; ok {
			b.WriteString(val)
		} else {
			b.WriteString(seg.raw)
			unresolved = append(unresolved, seg.placeholder)
		}
	}
	return b.String(), unresolved
}

func (s segments) placeholderCount() int {
	n := 0
	for _, seg := range s {
		if seg.placeholder != "" {
			n++
		}
	}
	return n
}

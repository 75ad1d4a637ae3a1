package templates

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/maruntime/maruntime/pkg/store"
)

// Resolved bundles a template version with its decoded settings and the
// prompt set the agent runs with.
type Resolved struct {
	Template *store.Template
	Version  *store.TemplateVersion
	Settings *Settings
	Prompts  PromptSet
}

// Service resolves templates by name and caches decoded settings per
// version. Versions are immutable, so the cache never goes stale.
type Service struct {
	store *store.Store

	mu    sync.RWMutex
	cache map[string]*Settings // version ID -> decoded settings
}

func NewService(s *store.Store) *Service {
	return &Service{store: s, cache: make(map[string]*Settings)}
}

// ResolveByName loads a template's active version by template name. The
// gateway routes model=<template name> requests through this.
func (svc *Service) ResolveByName(ctx context.Context, name string) (*Resolved, error) {
	template, err := svc.store.GetTemplateByName(ctx, name)
	if err != nil {
		return nil, err
	}
	version, err := svc.store.GetActiveVersion(ctx, template.ID)
	if err != nil {
		return nil, fmt.Errorf("template %q has no active version: %w", name, err)
	}
	return svc.resolve(ctx, template, version)
}

// ResolveVersion loads a specific version, used when resuming a session
// pinned to an older version than the template's current one.
func (svc *Service) ResolveVersion(ctx context.Context, versionID string) (*Resolved, error) {
	version, err := svc.store.GetTemplateVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	template, err := svc.store.GetTemplate(ctx, version.TemplateID)
	if err != nil {
		return nil, err
	}
	return svc.resolve(ctx, template, version)
}

func (svc *Service) resolve(ctx context.Context, template *store.Template, version *store.TemplateVersion) (*Resolved, error) {
	settings, err := svc.settingsFor(version)
	if err != nil {
		return nil, fmt.Errorf("template %q version %d: %w", template.Name, version.Version, err)
	}
	prompts, err := svc.promptDefaults(ctx)
	if err != nil {
		return nil, err
	}
	return &Resolved{
		Template: template,
		Version:  version,
		Settings: settings,
		Prompts:  prompts.Merge(settings.Prompts),
	}, nil
}

func (svc *Service) settingsFor(version *store.TemplateVersion) (*Settings, error) {
	svc.mu.RLock()
	cached, ok := svc.cache[version.ID]
	svc.mu.RUnlock()
	if ok {
		return cached, nil
	}

	settings, err := DecodeSettings(version.Settings)
	if err != nil {
		return nil, err
	}

	svc.mu.Lock()
	svc.cache[version.ID] = settings
	svc.mu.Unlock()
	return settings, nil
}

// promptDefaults reads the process-wide prompt rows, falling back to the
// hardcoded defaults for any that are missing.
func (svc *Service) promptDefaults(ctx context.Context) (PromptSet, error) {
	set := DefaultPromptSet()
	for _, entry := range []struct {
		name   string
		target *string
	}{
		{PromptNameSystem, &set.System},
		{PromptNameInitialUser, &set.InitialUser},
		{PromptNameClarification, &set.Clarification},
	} {
		prompt, err := svc.store.GetSystemPrompt(ctx, entry.name)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return set, err
		}
		if prompt.Content != "" {
			*entry.target = prompt.Content
		}
	}
	return set, nil
}

// ModelInfo is one entry of the /v1/models listing: every template with an
// active version is exposed as a model.
type ModelInfo struct {
	Name        string
	Description string
	VersionID   string
	CreatedAt   int64
}

// ListActiveModels returns the templates that currently have an active
// version, in listing order.
func (svc *Service) ListActiveModels(ctx context.Context) ([]ModelInfo, error) {
	all, err := svc.store.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	var out []ModelInfo
	for i := range all {
		if all[i].ActiveVersionID == "" {
			continue
		}
		out = append(out, ModelInfo{
			Name:        all[i].Name,
			Description: all[i].Description,
			VersionID:   all[i].ActiveVersionID,
			CreatedAt:   all[i].CreatedAt.Unix(),
		})
	}
	return out, nil
}

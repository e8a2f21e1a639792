// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import "sync"

// LanguageConfig describes how to launch a language server.
type LanguageConfig struct {
	// Language is the identifier ("go", "python", ...). Also used as
	// the languageId in didOpen.
	Language string

	// Command is the executable name or path.
	Command string

	// Args are command-line arguments for the server.
	Args []string

	// Extensions are the file extensions this server handles, with dot.
	Extensions []string
}

// ConfigRegistry maps languages and file extensions to server configs.
//
// Thread Safety: Safe for concurrent use.
type ConfigRegistry struct {
	mu         sync.RWMutex
	byLanguage map[string]LanguageConfig
	byExt      map[string]string
}

// NewConfigRegistry returns a registry pre-populated with gopls,
// pyright and typescript-language-server.
func NewConfigRegistry() *ConfigRegistry {
	r := &ConfigRegistry{
		byLanguage: make(map[string]LanguageConfig),
		byExt:      make(map[string]string),
	}

	r.Register(LanguageConfig{
		Language:   "go",
		Command:    "gopls",
		Args:       []string{"serve"},
		Extensions: []string{".go"},
	})
	r.Register(LanguageConfig{
		Language:   "python",
		Command:    "pyright-langserver",
		Args:       []string{"--stdio"},
		Extensions: []string{".py", ".pyi"},
	})
	r.Register(LanguageConfig{
		Language:   "typescript",
		Command:    "typescript-language-server",
		Args:       []string{"--stdio"},
		Extensions: []string{".ts", ".tsx"},
	})
	r.Register(LanguageConfig{
		Language:   "javascript",
		Command:    "typescript-language-server",
		Args:       []string{"--stdio"},
		Extensions: []string{".js", ".jsx", ".mjs"},
	})

	return r
}

// Register adds or replaces a language configuration and its extension
// mappings.
func (r *ConfigRegistry) Register(config LanguageConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byLanguage[config.Language] = config
	for _, ext := range config.Extensions {
		r.byExt[ext] = config.Language
	}
}

// Get returns the configuration for a language.
func (r *ConfigRegistry) Get(language string) (LanguageConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	config, ok := r.byLanguage[language]
	return config, ok
}

// LanguageForExtension maps a file extension (with dot) to a language.
func (r *ConfigRegistry) LanguageForExtension(ext string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lang, ok := r.byExt[ext]
	return lang, ok
}

// Languages returns all registered language identifiers.
func (r *ConfigRegistry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	langs := make([]string, 0, len(r.byLanguage))
	for lang := range r.byLanguage {
		langs = append(langs, lang)
	}
	return langs
}

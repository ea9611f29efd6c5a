package contentcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/risefleet/rise/internal/protocol"
)

const fallbackLang = "en"

func readBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bundle %s: %w", path, err)
	}
	if b.Version == "" {
		return nil, fmt.Errorf("bundle %s carries no version", path)
	}
	return &b, nil
}

// Bundle returns the localization bundle for lang, falling back to the
// English bundle when lang is not cached. A missing English bundle is
// fetched on demand; if that also fails, NoLocalization is surfaced.
func (e *Engine) Bundle(ctx context.Context, lang string) (*Bundle, error) {
	if lang != "" {
		if b, err := readBundle(e.bundlePath(lang)); err == nil {
			return b, nil
		}
	}

	if b, err := readBundle(e.bundlePath(fallbackLang)); err == nil {
		return b, nil
	}

	if err := e.fetchBundle(ctx, fallbackLang); err != nil {
		return nil, protocol.New(protocol.CodeNoLocalization,
			"no bundle for %q and the English bundle is unavailable: %v", lang, err)
	}
	return readBundle(e.bundlePath(fallbackLang))
}

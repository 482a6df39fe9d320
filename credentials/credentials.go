// Package credentials renders a JSON secrets template so tokens never have to
// live in the config file or on the command line.
//
// A template looks like:
//
//	{"admin_token": {{ env "GATEWAY_ADMIN_TOKEN" | json }}}
//
// Built-in functions are env, envDefault, file and json. Further secret
// sources are plugged in with WithProvider and called by name.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"
)

// maxTemplateSize caps both the template and its rendered output.
const maxTemplateSize = 1 << 20

// Credentials holds the secrets the gateway needs at startup.
type Credentials struct {
	// AdminToken guards the push and inspection routes.
	AdminToken string `json:"admin_token,omitempty"`
}

// LogValue redacts secrets so Credentials can be logged safely.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(slog.Bool("admin_token", c.AdminToken != ""))
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider exposes p to templates as a function called name.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// Resolver renders credentials templates.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile renders the template at path.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer func() { _ = f.Close() }()

	creds, err := r.ResolveReader(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return creds, nil
}

// ResolveReader renders the template read from src.
func (r *Resolver) ResolveReader(ctx context.Context, src io.Reader) (*Credentials, error) {
	text, err := io.ReadAll(io.LimitReader(src, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(text) > maxTemplateSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxTemplateSize)
	}

	rendered, err := r.render(ctx, string(text))
	if err != nil {
		return nil, err
	}

	creds, err := decode(rendered)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("resolved credentials", "credentials", *creds, "providers", len(r.providers))
	return creds, nil
}

func (r *Resolver) render(ctx context.Context, text string) ([]byte, error) {
	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if out.Len() > maxTemplateSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxTemplateSize)
	}
	return out.Bytes(), nil
}

// decode parses rendered JSON strictly so a misspelled key is an error
// rather than a silently empty secret.
func decode(rendered []byte) (*Credentials, error) {
	dec := json.NewDecoder(bytes.NewReader(rendered))
	dec.DisallowUnknownFields()

	var creds Credentials
	if err := dec.Decode(&creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}
	return &creds, nil
}

// funcs returns the template functions for one render. Provider lookups are
// memoized for the duration of the render.
func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env":        lookupEnv,
		"envDefault": envDefault,
		"file":       readSecretFile,
		"json":       jsonString,
	}

	seen := make(map[string]string)
	for name, provider := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + "\x00" + ref
			if v, ok := seen[key]; ok {
				return v, nil
			}
			v, err := provider(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
			}
			seen[key] = v
			return v, nil
		}
	}
	return fm
}

func lookupEnv(key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("environment variable %q is not set", key)
	}
	return v, nil
}

func envDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// readSecretFile returns the trimmed contents of path, the usual shape of a
// mounted secret.
func readSecretFile(path string) (string, error) {
	b, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return "", fmt.Errorf("reading file %q: %w", path, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// jsonString quotes v as a JSON string literal.
func jsonString(v string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("JSON encoding value: %w", err)
	}
	return string(b), nil
}

// Package registry maps action types to their delivery parameters:
// endpoint template, HTTP method, priority, and retry policy. The table
// is read-only after construction; an optional TOML overlay lets a
// deployment re-point endpoints without a code change.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/medinvest/medsync/internal/action"
)

// ErrUnknownType is returned when a lookup names an action type the
// table does not contain. This indicates an enqueue-call mismatch, not
// a runtime condition to recover from.
var ErrUnknownType = errors.New("registry: unknown action type")

// DefaultMaxRetries bounds delivery attempts unless an entry overrides it.
const DefaultMaxRetries = 3

// Entry describes how one action type is delivered.
type Entry struct {
	Method     string
	Path       string // template with ":param" placeholders
	Priority   int    // lower delivers earlier
	MaxRetries int
	Critical   bool // exhausted actions of this type warrant operator attention
	Dedupe     bool // coalesce identical pending actions at enqueue
}

// Registry is the static action table.
type Registry struct {
	entries map[action.Type]Entry
}

// New builds the registry with the built-in table.
func New() *Registry {
	return &Registry{entries: builtin()}
}

// Load builds the registry and applies the TOML overlay at path.
// An empty path returns the built-in table unchanged.
func Load(path string) (*Registry, error) {
	r := New()
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry overlay: %w", err)
	}

	var overlay struct {
		Actions map[string]entryPatch `toml:"actions"`
	}
	if err := toml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse registry overlay: %w", err)
	}

	for name, patch := range overlay.Actions {
		typ := action.Type(name)
		entry, ok := r.entries[typ]
		if !ok {
			return nil, fmt.Errorf("%w: %q in overlay %s", ErrUnknownType, name, path)
		}
		if patch.Method != nil {
			entry.Method = *patch.Method
		}
		if patch.Path != nil {
			entry.Path = *patch.Path
		}
		if patch.Priority != nil {
			entry.Priority = *patch.Priority
		}
		if patch.MaxRetries != nil {
			entry.MaxRetries = *patch.MaxRetries
		}
		if patch.Critical != nil {
			entry.Critical = *patch.Critical
		}
		if patch.Dedupe != nil {
			entry.Dedupe = *patch.Dedupe
		}
		if err := validate(typ, entry); err != nil {
			return nil, err
		}
		r.entries[typ] = entry
	}
	return r, nil
}

// entryPatch is the overlay file shape. Pointer fields distinguish
// "not set" from zero values.
type entryPatch struct {
	Method     *string `toml:"method"`
	Path       *string `toml:"path"`
	Priority   *int    `toml:"priority"`
	MaxRetries *int    `toml:"max_retries"`
	Critical   *bool   `toml:"critical"`
	Dedupe     *bool   `toml:"dedupe"`
}

func validate(typ action.Type, e Entry) error {
	switch e.Method {
	case "POST", "PUT", "DELETE":
	default:
		return fmt.Errorf("registry: %s: unsupported method %q", typ, e.Method)
	}
	if !strings.HasPrefix(e.Path, "/") {
		return fmt.Errorf("registry: %s: path must start with /: %q", typ, e.Path)
	}
	if e.MaxRetries < 1 {
		return fmt.Errorf("registry: %s: max retries must be >= 1", typ)
	}
	return nil
}

// Lookup returns the entry for typ.
func (r *Registry) Lookup(typ action.Type) (Entry, error) {
	entry, ok := r.entries[typ]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	return entry, nil
}

// Types returns the registered action types in the canonical order.
func (r *Registry) Types() []action.Type {
	var out []action.Type
	for _, typ := range action.All() {
		if _, ok := r.entries[typ]; ok {
			out = append(out, typ)
		}
	}
	return out
}

// Request is the resolved delivery call for one queued action.
type Request struct {
	Method string
	Path   string
	Body   map[string]interface{}
}

// ResolveRequest turns a queued action into a concrete HTTP request:
// ":param" path segments are substituted from matching payload keys and
// the consumed keys are stripped from the body. The input action is
// never mutated. Unknown types and unresolved placeholders are errors.
func (r *Registry) ResolveRequest(a *action.QueuedAction) (*Request, error) {
	entry, err := r.Lookup(a.Type)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{}
	if len(a.Payload) > 0 {
		dec := json.NewDecoder(bytes.NewReader(a.Payload))
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil {
			return nil, fmt.Errorf("registry: decode payload for %s: %w", a.Type, err)
		}
	}

	segments := strings.Split(entry.Path, "/")
	for i, seg := range segments {
		if !strings.HasPrefix(seg, ":") {
			continue
		}
		key := seg[1:]
		raw, ok := body[key]
		if !ok {
			return nil, fmt.Errorf("registry: %s: payload missing path param %q", a.Type, key)
		}
		val, err := pathValue(raw)
		if err != nil {
			return nil, fmt.Errorf("registry: %s: path param %q: %w", a.Type, key, err)
		}
		segments[i] = url.PathEscape(val)
		delete(body, key)
	}

	if len(body) == 0 {
		body = nil
	}
	return &Request{Method: entry.Method, Path: strings.Join(segments, "/"), Body: body}, nil
}

// pathValue renders a payload value as a path segment. Objects and
// arrays cannot be path params.
func pathValue(v interface{}) (string, error) {
	switch val := v.(type) {
	case json.Number:
		return val.String(), nil
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	default:
		return "", fmt.Errorf("value %v is not a path-safe scalar", v)
	}
}

// builtin is the shipped action table. Priorities group roughly by
// stakes: content creation first, edits second, deletions and read
// markers third, engagement toggles last.
func builtin() map[action.Type]Entry {
	return map[action.Type]Entry{
		action.TypeCreatePost: {
			Method: "POST", Path: "/posts", Priority: 1, MaxRetries: DefaultMaxRetries,
		},
		action.TypeEditPost: {
			Method: "PUT", Path: "/posts/:id", Priority: 2, MaxRetries: DefaultMaxRetries,
		},
		action.TypeDeletePost: {
			Method: "DELETE", Path: "/posts/:id", Priority: 3, MaxRetries: DefaultMaxRetries,
		},
		action.TypeCreateComment: {
			Method: "POST", Path: "/posts/:postId/comments", Priority: 1, MaxRetries: DefaultMaxRetries,
		},
		action.TypeEditComment: {
			Method: "PUT", Path: "/comments/:id", Priority: 2, MaxRetries: DefaultMaxRetries,
		},
		action.TypeDeleteComment: {
			Method: "DELETE", Path: "/comments/:id", Priority: 3, MaxRetries: DefaultMaxRetries,
		},
		action.TypeLike: {
			Method: "POST", Path: "/posts/:id/like", Priority: 4, MaxRetries: DefaultMaxRetries, Dedupe: true,
		},
		action.TypeUnlike: {
			Method: "DELETE", Path: "/posts/:id/like", Priority: 4, MaxRetries: DefaultMaxRetries, Dedupe: true,
		},
		action.TypeBookmark: {
			Method: "POST", Path: "/posts/:id/bookmark", Priority: 4, MaxRetries: DefaultMaxRetries, Dedupe: true,
		},
		action.TypeUnbookmark: {
			Method: "DELETE", Path: "/posts/:id/bookmark", Priority: 4, MaxRetries: DefaultMaxRetries, Dedupe: true,
		},
		action.TypeFollow: {
			Method: "POST", Path: "/users/:id/follow", Priority: 4, MaxRetries: DefaultMaxRetries, Dedupe: true,
		},
		action.TypeUnfollow: {
			Method: "DELETE", Path: "/users/:id/follow", Priority: 4, MaxRetries: DefaultMaxRetries, Dedupe: true,
		},
		action.TypeSendMessage: {
			Method: "POST", Path: "/conversations/:id/messages", Priority: 1, MaxRetries: DefaultMaxRetries, Critical: true,
		},
		action.TypeMarkRead: {
			Method: "POST", Path: "/conversations/:id/read", Priority: 3, MaxRetries: DefaultMaxRetries, Dedupe: true,
		},
		action.TypeVotePoll: {
			Method: "POST", Path: "/polls/:id/vote", Priority: 2, MaxRetries: DefaultMaxRetries, Critical: true,
		},
	}
}

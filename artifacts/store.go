// Package artifacts implements the content-addressed side store for bulky
// tool outputs. Oversized results are replaced in the conversation by a
// short preview plus an artifact reference; the full content stays
// retrievable through builtin tools.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loomworks/loom/utils"
)

// ============================================================================
// BACKEND
// ============================================================================

// Backend is the slice of store capability artifacts need. The memory
// router satisfies it through its raw key space, so artifacts migrate with
// the sessions on a backend swap; a filesystem backend is available when
// artifacts should live outside the message store.
type Backend interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	ScanKeys(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, prefix string) error
}

// ============================================================================
// ARTIFACT MODEL
// ============================================================================

// Ref describes one stored artifact without its payload.
type Ref struct {
	ArtifactID    string    `json:"artifact_id"`
	SessionID     string    `json:"session_id"`
	CreatedAt     time.Time `json:"created_at"`
	SizeBytes     int       `json:"size_bytes"`
	TokenEstimate int       `json:"token_estimate"`
	Preview       string    `json:"preview"`
	MimeHint      string    `json:"mime_hint,omitempty"`
}

type record struct {
	Ref  Ref    `json:"ref"`
	Data []byte `json:"data"`
}

const (
	artifactIDLen    = 16
	searchMatchCap   = 100
	searchLineSample = 120
)

func artifactKey(agentID, artifactID string) string {
	return "a/" + agentID + "/art/" + artifactID
}

func artifactPrefix(agentID string) string {
	return "a/" + agentID + "/art/"
}

// ============================================================================
// STORE
// ============================================================================

// Store is a per-agent artifact store.
type Store struct {
	backend          Backend
	agentID          string
	maxPreviewTokens int
}

// NewStore creates a store for agentID. maxPreviewTokens caps the preview
// length recorded on each artifact (0 selects the default of 150).
func NewStore(backend Backend, agentID string, maxPreviewTokens int) *Store {
	if maxPreviewTokens <= 0 {
		maxPreviewTokens = 150
	}
	return &Store{
		backend:          backend,
		agentID:          agentID,
		maxPreviewTokens: maxPreviewTokens,
	}
}

// Put stores data under its content hash and returns the reference. Writing
// the same content twice is idempotent and returns the original reference.
func (s *Store) Put(ctx context.Context, sessionID string, data []byte, mimeHint string) (*Ref, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])[:artifactIDLen]
	key := artifactKey(s.agentID, id)

	if existing, found, err := s.backend.Get(ctx, key); err != nil {
		return nil, err
	} else if found {
		var rec record
		if err := json.Unmarshal(existing, &rec); err == nil {
			return &rec.Ref, nil
		}
	}

	ref := Ref{
		ArtifactID:    id,
		SessionID:     sessionID,
		CreatedAt:     time.Now().UTC(),
		SizeBytes:     len(data),
		TokenEstimate: utils.EstimateTokensBytes(data),
		Preview:       makePreview(string(data), s.maxPreviewTokens),
		MimeHint:      mimeHint,
	}
	encoded, err := json.Marshal(record{Ref: ref, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	if err := s.backend.Put(ctx, key, encoded); err != nil {
		return nil, err
	}
	return &ref, nil
}

func (s *Store) load(ctx context.Context, artifactID string) (*record, error) {
	data, found, err := s.backend.Get(ctx, artifactKey(s.agentID, artifactID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("artifact %s not found", artifactID)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt artifact record: %w", err)
	}
	return &rec, nil
}

// Read returns an artifact's full content and reference.
func (s *Store) Read(ctx context.Context, artifactID string) ([]byte, *Ref, error) {
	rec, err := s.load(ctx, artifactID)
	if err != nil {
		return nil, nil, err
	}
	return rec.Data, &rec.Ref, nil
}

// Tail returns the last n lines of an artifact, annotated with how many
// lines were skipped.
func (s *Store) Tail(ctx context.Context, artifactID string, n int) (string, error) {
	if n <= 0 {
		n = 10
	}
	rec, err := s.load(ctx, artifactID)
	if err != nil {
		return "", err
	}
	text := strings.TrimSuffix(string(rec.Data), "\n")
	lines := strings.Split(text, "\n")
	if len(lines) <= n {
		return text, nil
	}
	skipped := len(lines) - n
	return fmt.Sprintf("(... %d lines above)\n%s", skipped, strings.Join(lines[skipped:], "\n")), nil
}

// Search finds case-insensitive substring matches and reports each hit's
// byte offset and line number, capped at 100 matches.
func (s *Store) Search(ctx context.Context, artifactID, query string) (string, error) {
	if query == "" {
		return "", fmt.Errorf("search query is empty")
	}
	rec, err := s.load(ctx, artifactID)
	if err != nil {
		return "", err
	}

	content := string(rec.Data)
	needle := strings.ToLower(query)

	// Walk line by line so each hit carries its line number.
	var b strings.Builder
	matches := 0
	byteOffset := 0
	for lineNo, lineText := range strings.Split(content, "\n") {
		loweredLine := strings.ToLower(lineText)
		start := 0
		for {
			idx := strings.Index(loweredLine[start:], needle)
			if idx < 0 {
				break
			}
			at := start + idx
			fmt.Fprintf(&b, "  line %d, offset %d: %s\n", lineNo+1, byteOffset+at, sampleLine(lineText))
			matches++
			if matches >= searchMatchCap {
				break
			}
			start = at + len(needle)
		}
		if matches >= searchMatchCap {
			break
		}
		byteOffset += len(lineText) + 1
	}

	if matches == 0 {
		return fmt.Sprintf("No matches found for %q", query), nil
	}
	header := fmt.Sprintf("Found %d matches for %q:\n", matches, query)
	if matches >= searchMatchCap {
		header = fmt.Sprintf("Found %d+ matches for %q (capped):\n", searchMatchCap, query)
	}
	return header + strings.TrimSuffix(b.String(), "\n"), nil
}

// List returns references for the session's artifacts, oldest first. An
// empty sessionID lists every artifact the agent owns.
func (s *Store) List(ctx context.Context, sessionID string) ([]Ref, error) {
	keys, err := s.backend.ScanKeys(ctx, artifactPrefix(s.agentID))
	if err != nil {
		return nil, err
	}
	refs := make([]Ref, 0, len(keys))
	for _, key := range keys {
		data, found, err := s.backend.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if sessionID != "" && rec.Ref.SessionID != sessionID {
			continue
		}
		refs = append(refs, rec.Ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].CreatedAt.Equal(refs[j].CreatedAt) {
			return refs[i].ArtifactID < refs[j].ArtifactID
		}
		return refs[i].CreatedAt.Before(refs[j].CreatedAt)
	})
	return refs, nil
}

// ============================================================================
// OFFLOAD FORMATTING
// ============================================================================

// OffloadContent renders the message that replaces an offloaded tool result
// in the conversation.
func OffloadContent(ref *Ref) string {
	return fmt.Sprintf("[TOOL RESPONSE OFFLOADED]\nartifact_id: %s\nsize_bytes: %d\npreview:\n%s\nhint: use read_artifact to load full content",
		ref.ArtifactID, ref.SizeBytes, ref.Preview)
}

// makePreview keeps the first maxTokens worth of text, preferring to cut at
// a line boundary, and appends an ellipsis marker when truncated.
func makePreview(text string, maxTokens int) string {
	limit := maxTokens * 4
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	window := text[:cut]
	if nl := strings.LastIndexByte(window, '\n'); nl > limit/2 {
		window = window[:nl]
	}
	return window + "\n..."
}

func sampleLine(line string) string {
	line = strings.TrimSpace(line)
	if len(line) <= searchLineSample {
		return line
	}
	cut := searchLineSample
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut] + "..."
}

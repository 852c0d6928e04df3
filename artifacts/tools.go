package artifacts

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomworks/loom/tools"
)

// ============================================================================
// BUILTIN ARTIFACT TOOLS
// ============================================================================
//
// Registered alongside offloading so the model can pull back the full
// content its tool results were diverted to.

// BuiltinTools returns the read_artifact, tail_artifact, search_artifact
// and list_artifacts tools bound to the given store.
func BuiltinTools(store *Store) ([]tools.Tool, error) {
	read, err := tools.NewTypedTool("read_artifact",
		"Read the full content of a stored artifact by its id",
		func(ctx context.Context, args readArtifactArgs) (string, error) {
			data, _, err := store.Read(ctx, args.ArtifactID)
			if err != nil {
				return "", err
			}
			return string(data), nil
		})
	if err != nil {
		return nil, err
	}

	tail, err := tools.NewTypedTool("tail_artifact",
		"Read the last N lines of a stored artifact",
		func(ctx context.Context, args tailArtifactArgs) (string, error) {
			n := args.Lines
			if n <= 0 {
				n = 50
			}
			return store.Tail(ctx, args.ArtifactID, n)
		})
	if err != nil {
		return nil, err
	}

	search, err := tools.NewTypedTool("search_artifact",
		"Search a stored artifact for a substring (case-insensitive) and report offsets and lines",
		func(ctx context.Context, args searchArtifactArgs) (string, error) {
			return store.Search(ctx, args.ArtifactID, args.Query)
		})
	if err != nil {
		return nil, err
	}

	list, err := tools.NewTypedTool("list_artifacts",
		"List artifacts stored for a session with sizes and previews",
		func(ctx context.Context, args listArtifactsArgs) (string, error) {
			refs, err := store.List(ctx, args.SessionID)
			if err != nil {
				return "", err
			}
			if len(refs) == 0 {
				return "No artifacts stored.", nil
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "%d artifact(s):\n", len(refs))
			for _, ref := range refs {
				fmt.Fprintf(&sb, "- %s  session=%s  %d bytes  ~%d tokens",
					ref.ArtifactID, ref.SessionID, ref.SizeBytes, ref.TokenEstimate)
				if ref.MimeHint != "" {
					fmt.Fprintf(&sb, "  (%s)", ref.MimeHint)
				}
				sb.WriteString("\n")
				if ref.Preview != "" {
					fmt.Fprintf(&sb, "  preview: %s\n", sampleLine(ref.Preview))
				}
			}
			return sb.String(), nil
		})
	if err != nil {
		return nil, err
	}

	builtins := []tools.Tool{
		read.WithKind(tools.KindBuiltin),
		tail.WithKind(tools.KindBuiltin),
		search.WithKind(tools.KindBuiltin),
		list.WithKind(tools.KindBuiltin),
	}
	return builtins, nil
}

type readArtifactArgs struct {
	ArtifactID string `json:"artifact_id" jsonschema:"description=Artifact id from an offloaded tool result"`
}

type tailArtifactArgs struct {
	ArtifactID string `json:"artifact_id" jsonschema:"description=Artifact id from an offloaded tool result"`
	Lines      int    `json:"lines,omitempty" jsonschema:"description=Number of trailing lines to return (default 50)"`
}

type searchArtifactArgs struct {
	ArtifactID string `json:"artifact_id" jsonschema:"description=Artifact id from an offloaded tool result"`
	Query      string `json:"query" jsonschema:"description=Substring to search for"`
}

type listArtifactsArgs struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"description=Session to list; empty lists every session"`
}

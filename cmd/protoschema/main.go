// Command protoschema emits JSON schemas for the wire protocol so client
// implementations in other languages can validate their encoders.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"driftmark/server/internal/net/proto"
)

func main() {
	var outDir string
	flag.StringVar(&outDir, "out", "", "directory to write the JSON schemas")
	flag.Parse()

	if outDir == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	schemas := map[string]any{
		"client_message.json":       proto.ClientMessage{},
		"state_message.json":        proto.StateMessageV1{},
		"keyframe.json":             proto.KeyframeV1{},
		"join_response.json":        proto.JoinResponseV1{},
		"correction_broadcast.json": proto.CorrectionBroadcast{},
		"spawn_ack.json":            proto.SpawnAckPayload{},
		"despawn_notify.json":       proto.DespawnNotifyPayload{},
		"damage_event.json":         proto.DamageEventPayload{},
	}

	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}
	for name, msg := range schemas {
		schema := reflector.Reflect(msg)
		schema.Title = fmt.Sprintf("Driftmark wire message %s", name)
		if err := writeSchema(filepath.Join(outDir, name), schema); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", name, err)
			os.Exit(1)
		}
	}
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}
	return nil
}

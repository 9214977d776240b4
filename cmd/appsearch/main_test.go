package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/appsearch/internal/config"
	"github.com/syntrixbase/appsearch/internal/core/pubsub"
	"github.com/syntrixbase/appsearch/internal/localstorage"
	"github.com/syntrixbase/appsearch/pkg/model"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    options
		wantErr string
	}{
		{
			name: "info",
			args: []string{"-package", "com.example.notes", "-database", "main", "info"},
			want: options{command: "info", configDir: config.DefaultConfigDir, pkg: "com.example.notes", db: "main", timeout: 30 * time.Second},
		},
		{
			name: "optimize needs no package",
			args: []string{"-config", "/etc/appsearch", "-timeout", "5s", "optimize"},
			want: options{command: "optimize", configDir: "/etc/appsearch", timeout: 5 * time.Second},
		},
		{
			name:    "missing command",
			args:    []string{"-package", "p"},
			wantErr: "exactly one command is required",
		},
		{
			name:    "unknown command",
			args:    []string{"-package", "p", "drop"},
			wantErr: `unknown command "drop"`,
		},
		{
			name:    "missing package",
			args:    []string{"schema"},
			wantErr: "schema requires -package",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.args, io.Discard)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func diskConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Logging.Console.Enabled = false
	cfg.Logging.File.Enabled = false
	cfg.Session.MaintenanceInterval = 0
	cfg.Migration.InMemory = true
	require.NoError(t, cfg.Apply(filepath.Join(t.TempDir(), "config")))
	return cfg
}

func seed(t *testing.T, cfg *config.Config) {
	t.Helper()
	ctx := context.Background()
	ls, err := localstorage.Open(ctx, localstorage.Options{Config: cfg})
	require.NoError(t, err)

	s, err := ls.CreateSearchSession("com.example.notes", "main")
	require.NoError(t, err)
	_, err = s.SetSchema(model.SetSchemaRequest{
		Schemas: []model.SchemaType{model.NewSchemaType("Note",
			model.PropertyConfig{Name: "title", DataType: model.DataTypeString, Cardinality: model.CardinalityOptional})},
		Version: 3,
	}).Get(ctx)
	require.NoError(t, err)
	_, err = s.Put(model.PutDocumentsRequest{Documents: []*model.Document{
		model.NewDocument("notes", "n1", "Note").SetStrings("title", "groceries"),
		model.NewDocument("archive", "n2", "Note").SetStrings("title", "taxes"),
	}}).Get(ctx)
	require.NoError(t, err)
	require.NoError(t, ls.Close())
}

func run(t *testing.T, cfg *config.Config, command string) []byte {
	t.Helper()
	var out bytes.Buffer
	opts := options{command: command, pkg: "com.example.notes", db: "main", timeout: 10 * time.Second}
	require.NoError(t, runCommand(context.Background(), cfg, opts, &out))
	return out.Bytes()
}

func TestRunCommand(t *testing.T) {
	cfg := diskConfig(t)
	seed(t, cfg)

	var namespaces []string
	require.NoError(t, json.Unmarshal(run(t, cfg, "namespaces"), &namespaces))
	assert.ElementsMatch(t, []string{"notes", "archive"}, namespaces)

	var info model.StorageInfo
	require.NoError(t, json.Unmarshal(run(t, cfg, "info"), &info))
	assert.Equal(t, 2, info.AliveDocumentsCount)
	assert.Equal(t, 2, info.AliveNamespacesCount)

	var schema struct {
		Version int
		Schemas []json.RawMessage
	}
	require.NoError(t, json.Unmarshal(run(t, cfg, "schema"), &schema))
	assert.Equal(t, 3, schema.Version)
	assert.Len(t, schema.Schemas, 1)

	assert.JSONEq(t, `{"status":"ok"}`, string(run(t, cfg, "flush")))
	assert.JSONEq(t, `{"status":"ok"}`, string(run(t, cfg, "optimize")))
}

func TestRunCommand_InvalidPackage(t *testing.T) {
	cfg := diskConfig(t)

	err := runCommand(context.Background(), cfg, options{command: "info", timeout: time.Second}, io.Discard)
	var appErr *model.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, model.ResultInvalidArgument, appErr.Code)
}

func TestWatchPrefix(t *testing.T) {
	assert.Equal(t, "appsearch.changes.", watchPrefix("appsearch.changes", "", "main"))
	assert.Equal(t, "appsearch.changes.com_example_notes.", watchPrefix("appsearch.changes", "com.example.notes", ""))
	assert.Equal(t, "appsearch.changes.com_example_notes.main.", watchPrefix("appsearch.changes", "com.example.notes", "main"))
}

type fakeMessage struct {
	subject string
	data    []byte
	acked   bool
}

func (m *fakeMessage) Data() []byte    { return m.data }
func (m *fakeMessage) Subject() string { return m.subject }
func (m *fakeMessage) Ack() error      { m.acked = true; return nil }
func (m *fakeMessage) Nak() error      { return nil }
func (m *fakeMessage) Metadata() (pubsub.MessageMetadata, error) {
	return pubsub.MessageMetadata{Subject: m.subject}, nil
}

type fakeConsumer struct {
	msgs []*fakeMessage
}

func (c *fakeConsumer) Subscribe(context.Context) (<-chan pubsub.Message, error) {
	ch := make(chan pubsub.Message, len(c.msgs))
	for _, m := range c.msgs {
		ch <- m
	}
	close(ch)
	return ch, nil
}

type closeRecorder struct{ closed bool }

func (c *closeRecorder) Close() error { c.closed = true; return nil }

func withConsumer(t *testing.T, consumer pubsub.Consumer, err error) (*pubsub.ConsumerOptions, *closeRecorder) {
	t.Helper()
	orig := feedConsumer
	t.Cleanup(func() { feedConsumer = orig })

	var got pubsub.ConsumerOptions
	closer := &closeRecorder{}
	feedConsumer = func(_ context.Context, _ config.ObserverConfig, opts pubsub.ConsumerOptions) (pubsub.Consumer, io.Closer, error) {
		got = opts
		if err != nil {
			return nil, nil, err
		}
		return consumer, closer, nil
	}
	return &got, closer
}

func TestWatch_PrintsEvents(t *testing.T) {
	first := &fakeMessage{subject: "appsearch.changes.com_example_notes.main.documents", data: []byte(`{"ChangedIDs":["n1"]}`)}
	second := &fakeMessage{subject: "appsearch.changes.com_example_notes.main.schema", data: []byte(`{"ChangedSchemaNames":["Note"]}`)}
	consumerOpts, closer := withConsumer(t, &fakeConsumer{msgs: []*fakeMessage{first, second}}, nil)

	var out bytes.Buffer
	cfg := config.DefaultObserverConfig()
	err := watch(context.Background(), cfg, options{pkg: "com.example.notes", db: "main"}, &out)
	require.NoError(t, err)

	assert.Equal(t, "APPSEARCH_CHANGES", consumerOpts.StreamName)
	assert.Equal(t, "appsearch.changes.com_example_notes.main.>", consumerOpts.FilterSubject)
	assert.Empty(t, consumerOpts.ConsumerName, "watch uses an ephemeral consumer")
	assert.True(t, consumerOpts.DeliverNew)

	dec := json.NewDecoder(&out)
	var events []feedEvent
	for dec.More() {
		var event feedEvent
		require.NoError(t, dec.Decode(&event))
		events = append(events, event)
	}
	require.Len(t, events, 2)
	assert.Equal(t, first.subject, events[0].Subject)
	assert.JSONEq(t, `{"ChangedIDs":["n1"]}`, string(events[0].Change))
	assert.Equal(t, second.subject, events[1].Subject)

	assert.True(t, first.acked)
	assert.True(t, second.acked)
	assert.True(t, closer.closed)
}

func TestWatch_ConnectError(t *testing.T) {
	withConsumer(t, nil, errors.New("no servers available"))

	err := watch(context.Background(), config.DefaultObserverConfig(), options{}, io.Discard)
	assert.ErrorContains(t, err, "no servers available")
}

package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/vmihailenco/msgpack"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/quarrel-batch/internal/engine"
	"github.com/23skdu/quarrel-batch/internal/logger"
)

const (
	BackendName = "flight"

	ActionLoadModel   = "load_model"
	ActionUnloadModel = "unload_model"

	// LogitsColumn is the float32 column holding next-token logits in
	// every record returned by DoGet.
	LogitsColumn = "logits"

	maxMessageBytes = 64 << 20
)

func init() {
	engine.RegisterBackend(BackendName, func(ctx context.Context, a *engine.Artifact, opts engine.BackendOptions) (engine.Model, error) {
		m, err := Open(ctx, a, opts)
		if err != nil {
			return nil, err
		}
		return m, nil
	})
}

// LoadRequest is the msgpack body of a load_model action.
type LoadRequest struct {
	Path      string   `msgpack:"path"`
	Dir       string   `msgpack:"dir"`
	GGUF      string   `msgpack:"gguf"`
	Tokenizer string   `msgpack:"tokenizer"`
	ModelType string   `msgpack:"model_type"`
	Adapters  []string `msgpack:"adapters"`
	DType     string   `msgpack:"dtype"`
}

// LoadResponse describes where the server placed the model.
type LoadResponse struct {
	Session     string `msgpack:"session"`
	Device      string `msgpack:"device"`
	DeviceIndex int    `msgpack:"device_index"`
	DeviceName  string `msgpack:"device_name"`
	MemoryBytes uint64 `msgpack:"memory_bytes"`
	VocabSize   int    `msgpack:"vocab_size"`
}

// ForwardTicket is the msgpack DoGet ticket for one forward pass.
type ForwardTicket struct {
	Session string  `msgpack:"session"`
	Tokens  []int32 `msgpack:"tokens"`
}

// LogitsSchema is the schema of DoGet results.
var LogitsSchema = arrow.NewSchema([]arrow.Field{
	{Name: LogitsColumn, Type: arrow.PrimitiveTypes.Float32},
}, nil)

// FlightModel runs forward passes on a remote inference server over Arrow
// Flight.
type FlightModel struct {
	client    flight.Client
	addr      string
	session   string
	device    engine.Device
	vocabSize int
}

// Open connects to the server at opts.Addr and asks it to load the artifact.
func Open(ctx context.Context, a *engine.Artifact, opts engine.BackendOptions) (*FlightModel, error) {
	if opts.Addr == "" {
		return nil, errors.New("flight backend address is empty")
	}
	client, err := flight.NewClientWithMiddleware(opts.Addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMessageBytes)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}

	m := &FlightModel{client: client, addr: opts.Addr}
	req := LoadRequest{
		Path:      a.Path,
		Dir:       a.Dir,
		GGUF:      a.GGUFPath,
		Tokenizer: a.TokenizerFile(),
		ModelType: a.ModelType,
		Adapters:  a.Adapters,
		DType:     opts.DType,
	}
	var resp LoadResponse
	if err := m.action(ctx, ActionLoadModel, req, &resp); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to load model via %s: %w", opts.Addr, err)
	}
	if resp.Session == "" {
		client.Close()
		return nil, errors.New("server returned no session id")
	}

	m.session = resp.Session
	m.vocabSize = resp.VocabSize
	m.device = engine.Device{
		Kind:        engine.DeviceKind(strings.ToLower(resp.Device)),
		Index:       resp.DeviceIndex,
		Name:        resp.DeviceName,
		MemoryBytes: resp.MemoryBytes,
	}
	logger.Log.Debug("Flight session opened", "addr", opts.Addr, "session", m.session, "vocab_size", m.vocabSize)
	return m, nil
}

func (m *FlightModel) Device() engine.Device { return m.device }

func (m *FlightModel) VocabSize() int { return m.vocabSize }

// Forward sends the whole sequence and reads back one row of logits per
// vocabulary entry. Records are concatenated in stream order.
func (m *FlightModel) Forward(ctx context.Context, tokens []int) ([]float32, error) {
	if m.client == nil {
		return nil, errors.New("client closed")
	}
	tkt := ForwardTicket{Session: m.session, Tokens: make([]int32, len(tokens))}
	for i, t := range tokens {
		tkt.Tokens[i] = int32(t)
	}
	body, err := msgpack.Marshal(&tkt)
	if err != nil {
		return nil, err
	}

	stream, err := m.client.DoGet(ctx, &flight.Ticket{Ticket: body})
	if err != nil {
		return nil, wrapStatus("DoGet", err)
	}
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, wrapStatus("DoGet", err)
	}
	defer reader.Release()

	idx := reader.Schema().FieldIndices(LogitsColumn)
	if len(idx) == 0 {
		return nil, fmt.Errorf("response schema has no %q column", LogitsColumn)
	}

	logits := make([]float32, 0, m.vocabSize)
	for reader.Next() {
		col, ok := reader.Record().Column(idx[0]).(*array.Float32)
		if !ok {
			return nil, fmt.Errorf("column %q is %s, want float32", LogitsColumn, reader.Record().Column(idx[0]).DataType())
		}
		logits = append(logits, col.Float32Values()...)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, wrapStatus("DoGet", err)
	}
	if m.vocabSize > 0 && len(logits) != m.vocabSize {
		return nil, fmt.Errorf("got %d logits, want %d", len(logits), m.vocabSize)
	}
	return logits, nil
}

// Close releases the server session and the connection.
func (m *FlightModel) Close() error {
	if m.client == nil {
		return nil
	}
	ctx := context.Background()
	if err := m.action(ctx, ActionUnloadModel, ForwardTicket{Session: m.session}, nil); err != nil {
		logger.Log.Warn("Failed to unload model", "addr", m.addr, "session", m.session, "error", err)
	}
	err := m.client.Close()
	m.client = nil
	return err
}

// action runs a single-result DoAction with msgpack bodies. out may be nil.
func (m *FlightModel) action(ctx context.Context, name string, in, out interface{}) error {
	body, err := msgpack.Marshal(in)
	if err != nil {
		return err
	}
	stream, err := m.client.DoAction(ctx, &flight.Action{Type: name, Body: body})
	if err != nil {
		return wrapStatus(name, err)
	}
	res, err := stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) && out == nil {
			return nil
		}
		return wrapStatus(name, err)
	}
	if out == nil {
		return nil
	}
	if err := msgpack.Unmarshal(res.Body, out); err != nil {
		return fmt.Errorf("invalid %s response: %w", name, err)
	}
	return nil
}

// wrapStatus maps cancelled RPCs back onto the context errors.
func wrapStatus(op string, err error) error {
	switch status.Code(err) {
	case codes.Canceled:
		return fmt.Errorf("%s: %w", op, context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
	}
	return fmt.Errorf("%s: %w", op, err)
}

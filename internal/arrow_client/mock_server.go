package arrow_client

import (
	"fmt"
	"net"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/vmihailenco/msgpack"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MockServer is an in-process Flight inference server returning scripted
// logits. Next picks the token that receives all the probability mass for a
// given sequence.
type MockServer struct {
	flight.BaseFlightServer

	VocabSize int
	Device    string
	Next      func(tokens []int) int
	// ChunkSize splits the logits over several records when > 0.
	ChunkSize int
	// FailForward makes every forward pass fail with this gRPC code.
	FailForward codes.Code

	mu       sync.Mutex
	server   flight.Server
	sessions map[string]LoadRequest
	nextID   int
	loads    int
	forwards int
}

func NewMockServer(vocabSize int, device string, next func(tokens []int) int) *MockServer {
	return &MockServer{
		VocabSize: vocabSize,
		Device:    device,
		Next:      next,
		sessions:  make(map[string]LoadRequest),
	}
}

// Start listens on addr ("127.0.0.1:0" for an ephemeral port) and serves in
// the background.
func (s *MockServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := flight.NewServerWithMiddleware(nil)
	srv.InitListener(lis)
	srv.RegisterFlightService(s)
	s.server = srv
	go func() { _ = srv.Serve() }()
	return nil
}

func (s *MockServer) Addr() string {
	return s.server.Addr().String()
}

func (s *MockServer) Stop() {
	if s.server != nil {
		s.server.Shutdown()
	}
}

// Stats reports load_model calls, forward passes and open sessions.
func (s *MockServer) Stats() (loads, forwards, sessions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads, s.forwards, len(s.sessions)
}

// LastLoad returns the most recent load request.
func (s *MockServer) LastLoad() (LoadRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("session-%d", s.nextID)
	req, ok := s.sessions[id]
	return req, ok
}

func (s *MockServer) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	switch action.Type {
	case ActionLoadModel:
		var req LoadRequest
		if err := msgpack.Unmarshal(action.Body, &req); err != nil {
			return status.Errorf(codes.InvalidArgument, "bad load request: %v", err)
		}
		if req.GGUF == "" && req.Tokenizer == "" {
			return status.Error(codes.InvalidArgument, "no model files given")
		}
		s.mu.Lock()
		s.nextID++
		s.loads++
		id := fmt.Sprintf("session-%d", s.nextID)
		s.sessions[id] = req
		s.mu.Unlock()

		body, err := msgpack.Marshal(&LoadResponse{
			Session:     id,
			Device:      s.Device,
			DeviceName:  "mock " + s.Device,
			MemoryBytes: 8 << 30,
			VocabSize:   s.VocabSize,
		})
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		return stream.Send(&flight.Result{Body: body})

	case ActionUnloadModel:
		var tkt ForwardTicket
		if err := msgpack.Unmarshal(action.Body, &tkt); err != nil {
			return status.Errorf(codes.InvalidArgument, "bad unload request: %v", err)
		}
		s.mu.Lock()
		delete(s.sessions, tkt.Session)
		s.mu.Unlock()
		return nil
	}
	return status.Errorf(codes.Unimplemented, "unknown action %q", action.Type)
}

func (s *MockServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	var req ForwardTicket
	if err := msgpack.Unmarshal(tkt.Ticket, &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "bad ticket: %v", err)
	}

	s.mu.Lock()
	_, ok := s.sessions[req.Session]
	s.forwards++
	fail := s.FailForward
	s.mu.Unlock()
	if !ok {
		return status.Errorf(codes.NotFound, "unknown session %q", req.Session)
	}
	if fail != codes.OK {
		return status.Error(fail, "forward failed")
	}

	tokens := make([]int, len(req.Tokens))
	for i, t := range req.Tokens {
		tokens[i] = int(t)
	}
	logits := make([]float32, s.VocabSize)
	if s.Next != nil {
		if next := s.Next(tokens); next >= 0 && next < s.VocabSize {
			logits[next] = 10
		}
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(LogitsSchema))
	defer w.Close()

	chunk := s.ChunkSize
	if chunk <= 0 {
		chunk = len(logits)
	}
	b := array.NewRecordBuilder(memory.DefaultAllocator, LogitsSchema)
	defer b.Release()
	for start := 0; start < len(logits); start += chunk {
		end := min(start+chunk, len(logits))
		b.Field(0).(*array.Float32Builder).AppendValues(logits[start:end], nil)
		rec := b.NewRecord()
		err := w.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

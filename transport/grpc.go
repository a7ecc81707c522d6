package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Mathew-Estafanous/singlemaster"
	"github.com/Mathew-Estafanous/singlemaster/cluster"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type Dialer func(context.Context, string) (net.Conn, error)

// Listen opens the listener of a transport on the given address.
type Listen func(addr string) (net.Listener, error)

// GRPCTransport implements the Transport interface using gRPC
type GRPCTransport struct {
	addr       string
	listen     Listen
	tlsConfig  *tls.Config
	dialer     Dialer
	maxRetries int
	retryDelay time.Duration

	mu       sync.Mutex
	listener net.Listener
	server   *grpc.Server
	handler  singlemaster.RequestHandler
	serveWg  sync.WaitGroup

	connMu sync.Mutex
	conns  map[string]*grpc.ClientConn
}

// GRPCTransportConfig holds configuration for the gRPC transport
type GRPCTransportConfig struct {
	TLSConfig  *tls.Config
	Dialer     Dialer
	MaxRetries int
	RetryDelay time.Duration

	// Listen is used to listen again after the transport was stopped. The
	// transport listens on TCP when nil.
	Listen Listen
}

// NewGRPCTransport creates a new gRPC transport serving on listener. Once
// stopped the transport may be started again on the same address.
func NewGRPCTransport(listener net.Listener, config *GRPCTransportConfig) *GRPCTransport {
	if config == nil {
		config = &GRPCTransportConfig{}
	}

	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 40 * time.Millisecond
	}
	if config.Listen == nil {
		config.Listen = func(addr string) (net.Listener, error) {
			return net.Listen("tcp", addr)
		}
	}

	return &GRPCTransport{
		addr:       listener.Addr().String(),
		listener:   listener,
		listen:     config.Listen,
		tlsConfig:  config.TLSConfig,
		dialer:     config.Dialer,
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
		conns:      make(map[string]*grpc.ClientConn),
	}
}

// Addr returns the address the transport serves on.
func (t *GRPCTransport) Addr() string {
	return t.addr
}

// Start serves incoming requests in the background.
func (t *GRPCTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handler == nil {
		return ErrNoHandlerRegistered
	}
	if t.server != nil {
		return nil
	}

	if t.listener == nil {
		l, err := t.listen(t.addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", t.addr, err)
		}
		t.listener = l
	}

	var rpcServer *grpc.Server
	if t.tlsConfig != nil {
		creds := credentials.NewTLS(t.tlsConfig)
		rpcServer = grpc.NewServer(grpc.Creds(creds))
	} else {
		rpcServer = grpc.NewServer()
	}
	rpcServer.RegisterService(&clusterServiceDesc, &grpcTransportServer{r: t.handler})
	t.server = rpcServer

	lis := t.listener
	t.serveWg.Add(1)
	go func() {
		defer t.serveWg.Done()
		_ = rpcServer.Serve(lis)
	}()
	return nil
}

// Stop gracefully shuts down the server and closes every client connection.
func (t *GRPCTransport) Stop() error {
	t.mu.Lock()
	server := t.server
	t.server = nil
	t.listener = nil
	t.mu.Unlock()

	if server != nil {
		server.GracefulStop()
		t.serveWg.Wait()
	}

	t.connMu.Lock()
	defer t.connMu.Unlock()
	var errs []error
	for addr, conn := range t.conns {
		errs = append(errs, conn.Close())
		delete(t.conns, addr)
	}
	return errors.Join(errs...)
}

// RegisterRequestHandler registers handlers for incoming requests
func (t *GRPCTransport) RegisterRequestHandler(handler singlemaster.RequestHandler) error {
	if handler == nil {
		return ErrNilHandler
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
	return nil
}

func (t *GRPCTransport) SendPing(ctx context.Context, target cluster.Server) error {
	return t.sendRPC(ctx, target, methodPing, &emptypb.Empty{})
}

// SendClusterState pushes a cluster state to a target node
func (t *GRPCTransport) SendClusterState(ctx context.Context, target cluster.Server, req *singlemaster.ClusterStateRequest) error {
	return t.sendJSON(ctx, target, methodPutClusterState, req)
}

// SendStoreUpdate replicates a single store mutation to a target node
func (t *GRPCTransport) SendStoreUpdate(ctx context.Context, target cluster.Server, req *singlemaster.StoreUpdateRequest) error {
	return t.sendJSON(ctx, target, methodStoreUpdate, req)
}

// SendStoreData sends a store snapshot to a target node
func (t *GRPCTransport) SendStoreData(ctx context.Context, target cluster.Server, req *singlemaster.StoreDataRequest) error {
	return t.sendJSON(ctx, target, methodStoreData, req)
}

func (t *GRPCTransport) sendJSON(ctx context.Context, target cluster.Server, method string, req any) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	return t.sendRPC(ctx, target, method, wrapperspb.Bytes(b))
}

// sendRPC invokes method on target, retrying while the target is unavailable.
func (t *GRPCTransport) sendRPC(ctx context.Context, target cluster.Server, method string, req proto.Message) error {
	var err error
	for i := 0; i < t.maxRetries; i++ {
		var conn *grpc.ClientConn
		conn, err = t.getConn(target.Addr)
		if err != nil {
			return err
		}

		err = conn.Invoke(ctx, fullMethod(method), req, &emptypb.Empty{})
		if err == nil {
			return nil
		}
		if status.Code(err) != codes.Unavailable {
			return err
		}
		// The connection may be stuck in its reconnect backoff, dial anew
		// on the next attempt.
		t.dropConn(target.Addr, conn)

		select {
		case <-ctx.Done():
			return err
		case <-time.After(t.retryDelay):
		}
	}
	return err
}

func (t *GRPCTransport) getConn(addr string) (*grpc.ClientConn, error) {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if conn, ok := t.conns[addr]; ok {
		return conn, nil
	}

	var creds credentials.TransportCredentials
	if t.tlsConfig == nil {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(t.tlsConfig)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
	}

	if t.dialer != nil {
		opts = append(opts, grpc.WithContextDialer(t.dialer))
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	t.conns[addr] = conn
	return conn, nil
}

func (t *GRPCTransport) dropConn(addr string, conn *grpc.ClientConn) {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conns[addr] == conn {
		delete(t.conns, addr)
	}
	_ = conn.Close()
}

var (
	ErrInvalidRequestType = errors.New("invalid request type")
)

package registry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/najoast/orb/adapter"
	"github.com/najoast/orb/core"
	"github.com/najoast/orb/locator"
	"github.com/najoast/orb/protocol"
)

// Servant exposes a Store as an object, so that the locator can be
// reached through any object adapter.
type Servant struct {
	store  Store
	logger zerolog.Logger
}

// NewServant creates a servant serving store
func NewServant(store Store, logger zerolog.Logger) *Servant {
	return &Servant{
		store:  store,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Dispatch implements adapter.Servant
func (s *Servant) Dispatch(ctx context.Context, req *adapter.Request) ([]byte, error) {
	return serve(ctx, s.store, s.logger, req.Operation, req.Payload)
}

var _ adapter.Servant = (*Servant)(nil)

// serve runs one directory operation. Directory failures travel inside
// the LocateReply; only unknown operations and undecodable payloads fail
// the request itself.
func serve(ctx context.Context, store Store, logger zerolog.Logger, operation string, payload []byte) ([]byte, error) {
	var req protocol.LocateRequest
	if len(payload) > 0 {
		if err := protocol.Unmarshal(payload, &req); err != nil {
			return nil, core.WrapError(core.KindMarshal, fmt.Errorf("decode %s request: %w", operation, err))
		}
	}

	var (
		reply protocol.LocateReply
		err   error
	)
	switch operation {
	case protocol.OpFindAdapterByID:
		reply.Endpoints, err = store.FindAdapterByID(ctx, req.AdapterID)
	case protocol.OpFindReplicaGroupByID:
		reply.Groups, err = store.FindReplicaGroupByID(ctx, req.ReplicaGroupID)
	case protocol.OpFindObjectByID:
		var ref core.Reference
		if ref, err = store.FindObjectByID(ctx, req.Identity); err == nil {
			reply.Proxy = ref.String()
		}
	case protocol.OpRegisterAdapter:
		err = store.RegisterAdapter(ctx, req.AdapterID, req.ReplicaGroupID, req.Endpoints)
	case protocol.OpUnregisterAdapter:
		err = store.UnregisterAdapter(ctx, req.AdapterID)
	case protocol.OpRegisterObject:
		err = store.RegisterObject(ctx, req.Identity, req.AdapterID)
	case protocol.OpUnregisterObject:
		err = store.UnregisterObject(ctx, req.Identity)
	default:
		return nil, &core.Error{Kind: core.KindOperationNotExist, Operation: operation}
	}

	switch {
	case err == nil:
		reply.Found = true
	case locator.IsNotFound(err):
	default:
		logger.Warn().Err(err).Str("operation", operation).Msg("directory operation failed")
		reply.Error = err.Error()
	}

	data, err := protocol.Marshal(&reply)
	if err != nil {
		return nil, core.WrapError(core.KindMarshal, fmt.Errorf("encode %s reply: %w", operation, err))
	}
	return data, nil
}

// Invoker sends one encoded operation to a directory object
type Invoker interface {
	Invoke(ctx context.Context, operation string, mode core.OperationMode, payload []byte) ([]byte, error)
}

// RemoteDirectory is a Directory and Registry answered by a remote store,
// through a proxy or over NATS.
type RemoteDirectory struct {
	roundTrip func(ctx context.Context, operation string, payload []byte) ([]byte, error)
}

// NewProxyDirectory queries the directory object behind inv
func NewProxyDirectory(inv Invoker) *RemoteDirectory {
	return &RemoteDirectory{
		roundTrip: func(ctx context.Context, operation string, payload []byte) ([]byte, error) {
			// Every directory operation can be repeated safely.
			return inv.Invoke(ctx, operation, core.OperationIdempotent, payload)
		},
	}
}

// FindAdapterByID implements locator.Directory
func (d *RemoteDirectory) FindAdapterByID(ctx context.Context, adapterID string) ([]core.Endpoint, error) {
	reply, err := d.call(ctx, protocol.OpFindAdapterByID, &protocol.LocateRequest{AdapterID: adapterID})
	if err != nil {
		return nil, err
	}
	if !reply.Found {
		return nil, fmt.Errorf("%w: %s", locator.ErrAdapterNotFound, adapterID)
	}
	return reply.Endpoints, nil
}

// FindReplicaGroupByID implements locator.Directory
func (d *RemoteDirectory) FindReplicaGroupByID(ctx context.Context, groupID string) ([][]core.Endpoint, error) {
	reply, err := d.call(ctx, protocol.OpFindReplicaGroupByID, &protocol.LocateRequest{ReplicaGroupID: groupID})
	if err != nil {
		return nil, err
	}
	if !reply.Found {
		return nil, fmt.Errorf("%w: %s", locator.ErrReplicaGroupNotFound, groupID)
	}
	return reply.Groups, nil
}

// FindObjectByID implements locator.Directory
func (d *RemoteDirectory) FindObjectByID(ctx context.Context, id core.Identity) (core.Reference, error) {
	reply, err := d.call(ctx, protocol.OpFindObjectByID, &protocol.LocateRequest{Identity: id})
	if err != nil {
		return core.Reference{}, err
	}
	if !reply.Found {
		return core.Reference{}, fmt.Errorf("%w: %s", locator.ErrObjectNotFound, id)
	}
	return core.ParseReference(reply.Proxy)
}

// RegisterAdapter implements locator.Registry
func (d *RemoteDirectory) RegisterAdapter(ctx context.Context, adapterID, groupID string, endpoints []core.Endpoint) error {
	_, err := d.call(ctx, protocol.OpRegisterAdapter, &protocol.LocateRequest{
		AdapterID:      adapterID,
		ReplicaGroupID: groupID,
		Endpoints:      endpoints,
	})
	return err
}

// UnregisterAdapter implements locator.Registry
func (d *RemoteDirectory) UnregisterAdapter(ctx context.Context, adapterID string) error {
	_, err := d.call(ctx, protocol.OpUnregisterAdapter, &protocol.LocateRequest{AdapterID: adapterID})
	return err
}

// RegisterObject implements locator.Registry
func (d *RemoteDirectory) RegisterObject(ctx context.Context, id core.Identity, adapterID string) error {
	_, err := d.call(ctx, protocol.OpRegisterObject, &protocol.LocateRequest{Identity: id, AdapterID: adapterID})
	return err
}

// UnregisterObject removes a well-known object
func (d *RemoteDirectory) UnregisterObject(ctx context.Context, id core.Identity) error {
	_, err := d.call(ctx, protocol.OpUnregisterObject, &protocol.LocateRequest{Identity: id})
	return err
}

func (d *RemoteDirectory) call(ctx context.Context, operation string, req *protocol.LocateRequest) (*protocol.LocateReply, error) {
	payload, err := protocol.Marshal(req)
	if err != nil {
		return nil, core.WrapError(core.KindMarshal, fmt.Errorf("encode %s request: %w", operation, err))
	}
	data, err := d.roundTrip(ctx, operation, payload)
	if err != nil {
		return nil, err
	}
	var reply protocol.LocateReply
	if err := protocol.Unmarshal(data, &reply); err != nil {
		return nil, core.WrapError(core.KindMarshal, fmt.Errorf("decode %s reply: %w", operation, err))
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("locator %s: %s", operation, reply.Error)
	}
	return &reply, nil
}

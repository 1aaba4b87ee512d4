package monitorrpc

import (
	"context"

	"google.golang.org/grpc"
)

// Client is a thin handle for talking to a Server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a monitorrpc Server at addr.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// GetServiceState fetches the current snapshot.
func (c *Client) GetServiceState(ctx context.Context) (*GetServiceStateResponse, error) {
	out := new(GetServiceStateResponse)
	err := c.conn.Invoke(ctx, "/"+serviceName+"/GetServiceState", new(GetServiceStateRequest), out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SubscribeEvents opens the streaming feed; the returned stream's RecvMsg
// target should be a *EventMessage.
func (c *Client) SubscribeEvents(ctx context.Context) (grpc.ClientStream, error) {
	desc := &grpc.StreamDesc{StreamName: "SubscribeEvents", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+serviceName+"/SubscribeEvents")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(new(SubscribeEventsRequest)); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

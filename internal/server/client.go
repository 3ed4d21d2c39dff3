package server

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

// Client calls the gateway of a coordinator.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial connects to the gateway at addr without transport security.
// The caller closes the returned connection.
func Dial(addr string) (*Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return NewClient(conn), conn, nil
}

func (c *Client) call(ctx context.Context, method string, req, reply any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	return fromStruct(out, reply)
}

// SubmitResult is the outcome of SubmitJob. Result is set when the call waited.
type SubmitResult struct {
	JobID    string
	JobQueue string
	Result   *types.JobResult
}

// SubmitJob queues data for service. A positive wait blocks until the result
// arrives or the wait runs out.
func (c *Client) SubmitJob(ctx context.Context, service string, data map[string]any, jobID string, wait time.Duration) (*SubmitResult, error) {
	var reply submitReply
	req := submitRequest{Service: service, JobID: jobID, Data: data, WaitMillis: wait.Milliseconds()}
	if err := c.call(ctx, "SubmitJob", req, &reply); err != nil {
		return nil, err
	}
	return &SubmitResult{JobID: reply.JobID, JobQueue: reply.JobQueue, Result: reply.Result}, nil
}

// GetService returns the registration record of name.
func (c *Client) GetService(ctx context.Context, name string) (*types.Registration, error) {
	var reg types.Registration
	if err := c.call(ctx, "GetService", serviceRequest{Name: name}, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// ServiceNames returns the registered service names.
func (c *Client) ServiceNames(ctx context.Context) ([]string, error) {
	var reply listReply
	if err := c.call(ctx, "ListServices", listRequest{}, &reply); err != nil {
		return nil, err
	}
	return reply.Names, nil
}

// ListServices returns every registration record.
func (c *Client) ListServices(ctx context.Context) ([]types.Registration, error) {
	var reply listReply
	if err := c.call(ctx, "ListServices", listRequest{Details: true}, &reply); err != nil {
		return nil, err
	}
	return reply.Services, nil
}

// RunningJobs returns the job ids queued for service.
func (c *Client) RunningJobs(ctx context.Context, service string) ([]string, error) {
	var reply jobsReply
	if err := c.call(ctx, "RunningJobs", jobsRequest{Service: service}, &reply); err != nil {
		return nil, err
	}
	return reply.JobIDs, nil
}

// JobResponse waits up to timeout for the result of a job.
func (c *Client) JobResponse(ctx context.Context, service, jobID string, timeout time.Duration) (*types.JobResult, error) {
	var result types.JobResult
	req := responseRequest{Service: service, JobID: jobID, TimeoutMillis: timeout.Milliseconds()}
	if err := c.call(ctx, "GetJobResponse", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status returns the coordinator status.
func (c *Client) Status(ctx context.Context) (*StatusReply, error) {
	var reply StatusReply
	if err := c.call(ctx, "Status", struct{}{}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

package server

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/mint-forge/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client TaskService 的用戶端（CLI 的 --remote 使用）
type Client struct {
	conn  *grpc.ClientConn
	owned bool
}

// Dial 建立不加密的連線
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn, owned: true}, nil
}

// NewClient 使用既有連線；Close 不會關閉它
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]interface{}) (map[string]interface{}, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// CreateTask 建立任務
func (c *Client) CreateTask(ctx context.Context, subjectID, provider string, options map[string]interface{}) (types.TaskID, error) {
	req := map[string]interface{}{"subjectId": subjectID}
	if provider != "" {
		req["provider"] = provider
	}
	if options != nil {
		req["options"] = options
	}
	resp, err := c.invoke(ctx, "CreateTask", req)
	if err != nil {
		return "", err
	}
	id, _ := resp["taskId"].(string)
	return types.TaskID(id), nil
}

// GetTaskStatus 查詢任務；回傳 JSON 物件
func (c *Client) GetTaskStatus(ctx context.Context, id types.TaskID, minimal bool) (map[string]interface{}, error) {
	return c.invoke(ctx, "GetTaskStatus", map[string]interface{}{"taskId": string(id), "minimal": minimal})
}

// RunCycle 觸發遠端執行一次排程
func (c *Client) RunCycle(ctx context.Context) (map[string]interface{}, error) {
	return c.invoke(ctx, "RunCycle", map[string]interface{}{})
}

// Close 關閉自己建立的連線
func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	return c.conn.Close()
}

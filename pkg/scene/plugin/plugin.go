// Package plugin hosts Scene implementations out-of-process as
// hashicorp/go-plugin net/rpc plugins: a handshake config and a
// Client.Kill lifecycle. It uses
// go-plugin's net/rpc transport rather than generated gRPC stubs, since
// a Scene's surface (plain maps/strings) round-trips cleanly through
// encoding/gob without hand-written protobuf definitions.
package plugin

import (
	"fmt"
	"net/rpc"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/zjucss/simsocius/pkg/action"
)

// Handshake is the magic-cookie handshake every scene plugin binary and
// host must agree on.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion: 1,
	MagicCookieKey: "SIMSOCIUS_SCENE_PLUGIN",
	MagicCookieValue: "simsocius_scene_plugin_v1",
}

// ActionRequest and the request/response types below are the
// gob-serializable shapes carried over net/rpc — plain data only, since
// neither simagent.Agent nor the host Simulator can cross the process
// boundary.
type ActionRequest struct {
	Data action.Data
	AgentName string
	AgentRole string
	SceneState map[string]any
}

type ActionResponse struct {
	Result action.Result
}

type SkipTurnRequest struct {
	AgentName string
}

type StatusPromptRequest struct {
	AgentName string
}

// RemoteScene is the surface a scene plugin binary implements. It is
// deliberately narrower than the in-process scene.Scene interface: only
// the parts of rule evaluation that make sense to delegate to an
// external process (action handling, skip/complete checks, status
// prompts) cross the RPC boundary; attachment/serialization stay with
// the host-side adapter since they need live *simagent.Agent access.
type RemoteScene interface {
	Type() (string, error)
	ParseAndHandleAction(ActionRequest) (ActionResponse, error)
	ShouldSkipTurn(SkipTurnRequest) (bool, error)
	IsComplete() (bool, error)
	AgentStatusPrompt(StatusPromptRequest) (string, error)
	PostTurn() error
}

// rpcClient adapts the net/rpc.Client to RemoteScene.
type rpcClient struct{ client *rpc.Client }

func (c *rpcClient) Type() (string, error) {
	var resp string
	err := c.client.Call("Plugin.Type", new(any), &resp)
	return resp, err
}

func (c *rpcClient) ParseAndHandleAction(req ActionRequest) (ActionResponse, error) {
	var resp ActionResponse
	err := c.client.Call("Plugin.ParseAndHandleAction", req, &resp)
	return resp, err
}

func (c *rpcClient) ShouldSkipTurn(req SkipTurnRequest) (bool, error) {
	var resp bool
	err := c.client.Call("Plugin.ShouldSkipTurn", req, &resp)
	return resp, err
}

func (c *rpcClient) IsComplete() (bool, error) {
	var resp bool
	err := c.client.Call("Plugin.IsComplete", new(any), &resp)
	return resp, err
}

func (c *rpcClient) AgentStatusPrompt(req StatusPromptRequest) (string, error) {
	var resp string
	err := c.client.Call("Plugin.AgentStatusPrompt", req, &resp)
	return resp, err
}

func (c *rpcClient) PostTurn() error {
	return c.client.Call("Plugin.PostTurn", new(any), &struct{}{})
}

// rpcServer is the net/rpc server wrapping a concrete RemoteScene
// implementation; plugin binaries register one of these.
type rpcServer struct{ Impl RemoteScene }

func (s *rpcServer) Type(_ any, resp *string) error {
	v, err := s.Impl.Type()
	*resp = v
	return err
}

func (s *rpcServer) ParseAndHandleAction(req ActionRequest, resp *ActionResponse) error {
	v, err := s.Impl.ParseAndHandleAction(req)
	*resp = v
	return err
}

func (s *rpcServer) ShouldSkipTurn(req SkipTurnRequest, resp *bool) error {
	v, err := s.Impl.ShouldSkipTurn(req)
	*resp = v
	return err
}

func (s *rpcServer) IsComplete(_ any, resp *bool) error {
	v, err := s.Impl.IsComplete()
	*resp = v
	return err
}

func (s *rpcServer) AgentStatusPrompt(req StatusPromptRequest, resp *string) error {
	v, err := s.Impl.AgentStatusPrompt(req)
	*resp = v
	return err
}

func (s *rpcServer) PostTurn(_ any, _ *struct{}) error {
	return s.Impl.PostTurn()
}

// ScenePlugin is the goplugin.Plugin implementation shared by host and
// guest: the guest side sets Impl and serves it; the host side dispenses
// an *rpcClient.
type ScenePlugin struct {
	Impl RemoteScene
}

func (p *ScenePlugin) Server(*goplugin.MuxBroker) (any, error) {
	return &rpcServer{Impl: p.Impl}, nil
}

func (p *ScenePlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (any, error) {
	return &rpcClient{client: c}, nil
}

// Serve runs impl as a scene plugin binary's main entrypoint.
func Serve(impl RemoteScene) {
	goplugin.Serve(&goplugin.ServeConfig{
			HandshakeConfig: Handshake,
			Plugins: map[string]goplugin.Plugin{
				"scene": &ScenePlugin{Impl: impl},
			},
	})
}

// Host is the host-process handle on one launched scene plugin
// subprocess.
type Host struct {
	client *goplugin.Client
	remote RemoteScene
}

// Launch starts path as a scene plugin subprocess and dispenses its
// RemoteScene.
func Launch(path string) (*Host, error) {
	logger := hclog.New(&hclog.LoggerOptions{Name: "simsocius-scene-plugin", Level: hclog.Info})

	client := goplugin.NewClient(&goplugin.ClientConfig{
			HandshakeConfig: Handshake,
			Plugins: map[string]goplugin.Plugin{
				"scene": &ScenePlugin{},
			},
			Cmd: exec.Command(path),
			Logger: logger,
			AllowedProtocols: []goplugin.Protocol{
				goplugin.ProtocolNetRPC,
			},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("scene plugin: dial %s: %w", path, err)
	}

	raw, err := rpcClient.Dispense("scene")
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("scene plugin: dispense %s: %w", path, err)
	}

	remote, ok := raw.(RemoteScene)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("scene plugin: %s does not implement RemoteScene", path)
	}

	return &Host{client: client, remote: remote}, nil
}

// Remote returns the dispensed RemoteScene handle.
func (h *Host) Remote() RemoteScene { return h.remote }

// Close terminates the plugin subprocess.
func (h *Host) Close() { h.client.Kill() }

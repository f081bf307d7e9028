package tools

import (
	"context"
	"strings"
)

func (r *Runner) devicePowerStatus(ctx context.Context, args map[string]any) (map[string]any, error) {
	var req struct {
		Node string `json:"node"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return nil, err
	}
	node := strings.TrimSpace(req.Node)
	if node == "" {
		return nil, validationErrorf("node is required")
	}
	if r.devices == nil {
		return nil, unavailableErrorf("no device controller is configured")
	}

	resp, err := r.devices.PowerStatus(ctx, node)
	if err != nil {
		return nil, mapExecutionError(err, "getting power status")
	}
	return toMap(resp)
}

func (r *Runner) devicePowerReboot(ctx context.Context, args map[string]any) (map[string]any, error) {
	var req struct {
		Node    string `json:"node"`
		Confirm bool   `json:"confirm"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return nil, err
	}
	node := strings.TrimSpace(req.Node)
	if node == "" {
		return nil, validationErrorf("node is required")
	}
	if r.devices == nil {
		return nil, unavailableErrorf("no device controller is configured")
	}

	resp, err := r.devices.Reboot(ctx, node)
	if err != nil {
		return nil, mapExecutionError(err, "requesting reboot")
	}
	return toMap(resp)
}

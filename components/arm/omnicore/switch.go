package omnicore

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
)

// InterfaceType is the command interface a controller claims on a joint.
type InterfaceType string

// Interfaces. Only position and velocity can be commanded.
const (
	PositionInterface InterfaceType = "position"
	VelocityInterface InterfaceType = "velocity"
	EffortInterface   InterfaceType = "effort"
)

// InterfaceClaim is a set of joints claimed through one interface.
type InterfaceClaim struct {
	Interface InterfaceType `json:"interface"`
	Joints    []string      `json:"joints"`
}

// ControllerInfo describes a controller being started or stopped and the joints it commands.
type ControllerInfo struct {
	Name   string           `json:"name"`
	Claims []InterfaceClaim `json:"claims"`
}

// jointClaim is the owner and interface of one joint. An empty owner means the joint is unclaimed
// and holds its position.
type jointClaim struct {
	owner string
	iface InterfaceType
}

// planSwitch computes the claims after stopping stop and starting start from current. It is pure
// so that CanSwitch and DoSwitch always agree.
func planSwitch(jointIndex map[string]int, current []jointClaim, start, stop []ControllerInfo) ([]jointClaim, error) {
	next := append([]jointClaim(nil), current...)
	stopping := make(map[string]bool, len(stop))
	for _, c := range stop {
		stopping[c.Name] = true
	}
	for i, claim := range next {
		if stopping[claim.owner] {
			next[i] = jointClaim{}
		}
	}

	var errs error
	for _, c := range start {
		if c.Name == "" {
			errs = multierr.Append(errs, errors.New("controller name is required"))
			continue
		}
		for _, claim := range c.Claims {
			switch claim.Interface {
			case PositionInterface, VelocityInterface:
			case EffortInterface:
				errs = multierr.Append(errs, errors.Errorf("controller %q: effort interface is not supported", c.Name))
				continue
			default:
				errs = multierr.Append(errs, errors.Errorf("controller %q: unknown interface %q", c.Name, claim.Interface))
				continue
			}
			for _, name := range claim.Joints {
				i, ok := jointIndex[name]
				if !ok {
					errs = multierr.Append(errs, errors.Errorf("controller %q: unknown joint %q", c.Name, name))
					continue
				}
				if owner := next[i].owner; owner != "" {
					errs = multierr.Append(errs, errors.Errorf("controller %q: joint %q is already claimed by %q",
						c.Name, name, owner))
					continue
				}
				next[i] = jointClaim{owner: c.Name, iface: claim.Interface}
			}
		}
	}
	if errs != nil {
		return nil, errs
	}
	return next, nil
}

// CanSwitch reports whether stopping stop and starting start would succeed.
func (h *Hardware) CanSwitch(start, stop []ControllerInfo) error {
	h.switchMu.Lock()
	defer h.switchMu.Unlock()
	_, err := planSwitch(h.jointIndex, h.claims, start, stop)
	return err
}

// DoSwitch stops stop and starts start. The joint interfaces change between two control cycles;
// joints that change owner hold their position until the new owner commands them.
func (h *Hardware) DoSwitch(start, stop []ControllerInfo) error {
	h.switchMu.Lock()
	defer h.switchMu.Unlock()
	next, err := planSwitch(h.jointIndex, h.claims, start, stop)
	if err != nil {
		return err
	}

	h.cycleMu.Lock()
	for i := range next {
		if next[i] != h.claims[i] {
			h.commands[i] = HoldCommand()
		}
	}
	h.claims = next
	h.cycleMu.Unlock()

	h.logger.Infow("switched controllers", "started", controllerNames(start), "stopped", controllerNames(stop))
	return nil
}

func controllerNames(infos []ControllerInfo) []string {
	return lo.Map(infos, func(c ControllerInfo, _ int) string { return c.Name })
}

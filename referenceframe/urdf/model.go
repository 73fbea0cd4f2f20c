// Package urdf reads joint limits out of *.urdf robot descriptions.
package urdf

import (
	"encoding/xml"
	"math"
	"os"

	"github.com/pkg/errors"

	"go.viam.com/omnicore/referenceframe"
)

// Extension is the file extension associated with URDF files.
const Extension string = "urdf"

// ModelConfig represents the subset of a Universal Robot Description Format (URDF) file needed
// to build the joint table.
type ModelConfig struct {
	XMLName    xml.Name `xml:"robot"`
	Name       string   `xml:"name,attr"`
	JointElems []joint  `xml:"joint"`
}

// joint is a struct which details the XML used in a URDF joint element.
type joint struct {
	XMLName xml.Name `xml:"joint"`
	Name    string   `xml:"name,attr"`
	Type    string   `xml:"type,attr"`
	Limit   *limit   `xml:"limit,omitempty"`
	Mimic   *mimic   `xml:"mimic,omitempty"`
}

// limit is a URDF joint limit. Translation limits are in meters, revolute limits are in radians.
type limit struct {
	XMLName  xml.Name `xml:"limit"`
	Lower    float64  `xml:"lower,attr"`
	Upper    float64  `xml:"upper,attr"`
	Velocity float64  `xml:"velocity,attr"`
	Effort   float64  `xml:"effort,attr"`
}

type mimic struct {
	XMLName xml.Name `xml:"mimic"`
	Joint   string   `xml:"joint,attr"`
}

// Override tightens the limits read from the description. Nil fields keep the description value.
type Override struct {
	Min         *float64 `json:"min_position,omitempty"`
	Max         *float64 `json:"max_position,omitempty"`
	MaxVelocity *float64 `json:"max_velocity,omitempty"`
}

// UnmarshalModelXML parses URDF data.
func UnmarshalModelXML(xmlData []byte) (*ModelConfig, error) {
	urdf := &ModelConfig{}
	if err := xml.Unmarshal(xmlData, urdf); err != nil {
		return nil, errors.Wrap(err, "failed to convert URDF data to equivalent URDFConfig struct")
	}
	return urdf, nil
}

// Joints builds the ordered joint table for the given joint names. Every name must be an
// actuated (revolute, continuous or prismatic) joint of the description.
func (mc *ModelConfig) Joints(names []string, overrides map[string]Override) ([]referenceframe.Joint, error) {
	if len(names) == 0 {
		return nil, errors.New("no joint names configured")
	}
	byName := make(map[string]joint, len(mc.JointElems))
	for _, j := range mc.JointElems {
		byName[j.Name] = j
	}

	seen := make(map[string]struct{}, len(names))
	joints := make([]referenceframe.Joint, 0, len(names))
	for idx, name := range names {
		if _, dup := seen[name]; dup {
			return nil, errors.Errorf("joint %q configured twice", name)
		}
		seen[name] = struct{}{}

		jointElem, ok := byName[name]
		if !ok {
			return nil, referenceframe.NewJointNotFoundError(name)
		}
		jType := referenceframe.JointType(jointElem.Type)
		var lower, upper, velocity, effort float64
		switch jType {
		case referenceframe.RevoluteJoint, referenceframe.PrismaticJoint:
			if jointElem.Limit == nil {
				return nil, referenceframe.NewMissingLimitError(name)
			}
			lower, upper = jointElem.Limit.Lower, jointElem.Limit.Upper
			velocity, effort = jointElem.Limit.Velocity, jointElem.Limit.Effort
		case referenceframe.ContinuousJoint:
			// Continuous joints may still bound velocity and effort.
			lower, upper = math.Inf(-1), math.Inf(1)
			if jointElem.Limit != nil {
				velocity, effort = jointElem.Limit.Velocity, jointElem.Limit.Effort
			}
		default:
			return nil, referenceframe.NewUnsupportedJointTypeError(jointElem.Type)
		}

		if o, ok := overrides[name]; ok {
			lower, upper, velocity = o.apply(lower, upper, velocity)
		}
		j, err := referenceframe.NewJoint(name, idx, jType, lower, upper, velocity, effort)
		if err != nil {
			return nil, err
		}
		joints = append(joints, j)
	}
	for name := range overrides {
		if _, ok := seen[name]; !ok {
			return nil, errors.Errorf("limit override for unknown joint %q", name)
		}
	}
	return joints, nil
}

func (o Override) apply(lower, upper, velocity float64) (float64, float64, float64) {
	if o.Min != nil && *o.Min > lower {
		lower = *o.Min
	}
	if o.Max != nil && *o.Max < upper {
		upper = *o.Max
	}
	if o.MaxVelocity != nil && (velocity == 0 || *o.MaxVelocity < velocity) {
		velocity = *o.MaxVelocity
	}
	return lower, upper, velocity
}

// ParseJointsFile will read a given file and build the joint table for names.
func ParseJointsFile(filename string, names []string, overrides map[string]Override) ([]referenceframe.Joint, error) {
	//nolint:gosec
	xmlData, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read URDF file")
	}
	mc, err := UnmarshalModelXML(xmlData)
	if err != nil {
		return nil, err
	}
	return mc.Joints(names, overrides)
}

package capability

import (
	"regexp"
	"sort"

	"github.com/go-playground/validator/v10"

	xerrors "daq-plugin/internal/errors"
	"daq-plugin/pkg/driver"
)

// ParameterType 描述采集参数的取值类型。
type ParameterType string

const (
	TypeString   ParameterType = "string"
	TypeInt      ParameterType = "int"
	TypeFloat    ParameterType = "float"
	TypeBool     ParameterType = "bool"
	TypeDuration ParameterType = "duration"
)

// Parameter 描述能力接受的单个采集参数。
type Parameter struct {
	Type        ParameterType `json:"type" validate:"required,oneof=string int float bool duration"`
	Default     any           `json:"default,omitempty"`
	Required    bool          `json:"required,omitempty"`
	Description string        `json:"description,omitempty"`
}

// Capability 是插件对外声明的一个可采集数据源。
type Capability struct {
	Name        string               `json:"name" validate:"required,capname"`
	Description string               `json:"description,omitempty" validate:"max=512"`
	Channel     string               `json:"channel,omitempty" validate:"omitempty,max=128"`
	Parameters  map[string]Parameter `json:"parameters,omitempty"`
}

const (
	CodeCapabilityNotFound xerrors.Code = "CAPABILITY_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeCapabilityNotFound, xerrors.Attributes{
		Message:   "capability not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

var (
	namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
	validate    = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("capname", func(fl validator.FieldLevel) bool {
		return namePattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidName 判断能力名称是否合法，名称会出现在任务键与存储主键中。
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// FromSpec 将驱动清单中的能力声明转换为 Capability。
func FromSpec(spec driver.CapabilitySpec) Capability {
	c := Capability{
		Name:        spec.Name,
		Description: spec.Description,
		Channel:     spec.Channel,
	}
	if c.Channel == "" {
		c.Channel = spec.Name
	}
	if len(spec.Parameters) > 0 {
		c.Parameters = make(map[string]Parameter, len(spec.Parameters))
		for name, p := range spec.Parameters {
			c.Parameters[name] = Parameter{
				Type:        ParameterType(p.Type),
				Default:     p.Default,
				Required:    p.Required,
				Description: p.Description,
			}
		}
	}
	return c
}

func (c Capability) clone() Capability {
	out := c
	if c.Parameters != nil {
		out.Parameters = make(map[string]Parameter, len(c.Parameters))
		for k, v := range c.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}

// ParameterNames 返回按字典序排列的参数名。
func (c Capability) ParameterNames() []string {
	names := make([]string, 0, len(c.Parameters))
	for name := range c.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

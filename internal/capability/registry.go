package capability

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	xerrors "daq-plugin/internal/errors"
)

// Registry 保存插件在启动阶段声明的能力集合。
//
// Register 只允许在 Seal 之前调用；Seal 之后注册表只读，读取无需加锁。
type Registry struct {
	items  map[string]Capability
	order  []string
	sealed bool
}

// NewRegistry 创建一个空的能力注册表。
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Capability)}
}

// Register 注册一个能力，名称冲突或声明非法时返回 CONFIG_ERROR。
func (r *Registry) Register(c Capability) error {
	if r.sealed {
		return xerrors.New(xerrors.CodeConfigError, fmt.Sprintf("能力注册表已冻结，无法注册 %s", c.Name))
	}
	if err := validate.Struct(c); err != nil {
		return xerrors.Wrap(xerrors.CodeConfigError, err, fmt.Sprintf("能力 %q 声明非法", c.Name))
	}
	for name, p := range c.Parameters {
		if strings.TrimSpace(name) == "" {
			return xerrors.New(xerrors.CodeConfigError, fmt.Sprintf("能力 %s 存在空参数名", c.Name))
		}
		if err := validate.Struct(p); err != nil {
			return xerrors.Wrap(xerrors.CodeConfigError, err, fmt.Sprintf("能力 %s 的参数 %s 声明非法", c.Name, name))
		}
		if p.Default != nil {
			if _, err := coerce(p.Type, p.Default); err != nil {
				return xerrors.Wrap(xerrors.CodeConfigError, err, fmt.Sprintf("能力 %s 的参数 %s 默认值非法", c.Name, name))
			}
		}
	}
	if _, exists := r.items[c.Name]; exists {
		return xerrors.New(xerrors.CodeConfigError, fmt.Sprintf("能力名称冲突: %s", c.Name),
			xerrors.WithMetadata("capability", c.Name))
	}
	r.items[c.Name] = c.clone()
	r.order = append(r.order, c.Name)
	return nil
}

// Seal 冻结注册表，之后的 Register 调用都会失败。
func (r *Registry) Seal() {
	r.sealed = true
}

// Sealed 报告注册表是否已冻结。
func (r *Registry) Sealed() bool {
	return r.sealed
}

// Len 返回已注册的能力数量。
func (r *Registry) Len() int {
	return len(r.order)
}

// List 按注册顺序返回全部能力的副本。
func (r *Registry) List() []Capability {
	out := make([]Capability, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.items[name].clone())
	}
	return out
}

// Lookup 根据名称查找能力。
func (r *Registry) Lookup(name string) (Capability, error) {
	c, ok := r.items[name]
	if !ok {
		return Capability{}, xerrors.New(CodeCapabilityNotFound, fmt.Sprintf("未注册的能力: %s", name),
			xerrors.WithMetadata("capability", name))
	}
	return c.clone(), nil
}

// Normalize 按能力声明校验请求参数，补齐默认值并统一类型。
// 未声明任何参数的能力原样透传请求参数。
func (r *Registry) Normalize(name string, params map[string]any) (map[string]any, error) {
	c, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if len(c.Parameters) == 0 {
		return cloneParams(params), nil
	}
	out := make(map[string]any, len(c.Parameters))
	for key, value := range params {
		spec, ok := c.Parameters[key]
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("能力 %s 不接受参数 %s", name, key))
		}
		normalized, err := coerce(spec.Type, value)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("能力 %s 的参数 %s 类型不匹配", name, key))
		}
		out[key] = normalized
	}
	for _, key := range c.ParameterNames() {
		if _, ok := out[key]; ok {
			continue
		}
		spec := c.Parameters[key]
		if spec.Default != nil {
			normalized, _ := coerce(spec.Type, spec.Default)
			out[key] = normalized
			continue
		}
		if spec.Required {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("能力 %s 缺少必填参数 %s", name, key))
		}
	}
	return out, nil
}

func coerce(t ParameterType, value any) (any, error) {
	switch t {
	case TypeString:
		if s, ok := value.(string); ok {
			return s, nil
		}
	case TypeBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			return strconv.ParseBool(v)
		}
	case TypeInt:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			if v == math.Trunc(v) {
				return int64(v), nil
			}
		case json.Number:
			return v.Int64()
		case string:
			return strconv.ParseInt(v, 10, 64)
		}
	case TypeFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case json.Number:
			return v.Float64()
		case string:
			return strconv.ParseFloat(v, 64)
		}
	case TypeDuration:
		switch v := value.(type) {
		case time.Duration:
			return v, nil
		case string:
			return time.ParseDuration(v)
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		}
	default:
		return nil, fmt.Errorf("未知参数类型 %q", t)
	}
	return nil, fmt.Errorf("期望 %s，实际为 %T", t, value)
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

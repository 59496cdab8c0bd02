package workflow

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
)

// 条件与 CODE_EXEC 使用 expr-lang 语法：比较、&& || !（或 and or not）、
// 算术、in、contains、startsWith、endsWith、成员访问与字面量。内置函数只
// 开放 len、lower、upper、string。作用域中不存在的标识符求值为 nil。

const programCacheSize = 512

var programs, _ = lru.New[string, *Expr](programCacheSize)

// Expr 是编译后的表达式，可并发复用。
type Expr struct {
	src       string
	condition bool
	program   *vm.Program
}

// ParseExpr 编译返回任意值的表达式。
func ParseExpr(src string) (*Expr, error) {
	return compile(src, false)
}

// ParseCondition 编译结果必须为布尔值的边条件。
func ParseCondition(src string) (*Expr, error) {
	return compile(src, true)
}

func compile(src string, condition bool) (*Expr, error) {
	key := "v:" + src
	if condition {
		key = "b:" + src
	}
	if e, ok := programs.Get(key); ok {
		return e, nil
	}
	opts := exprOptions()
	if condition {
		opts = append(opts, expr.AsBool())
	}
	program, err := expr.Compile(src, opts...)
	if err != nil {
		return nil, fmt.Errorf("表达式 %q 无法编译: %w", src, err)
	}
	e := &Expr{src: src, condition: condition, program: program}
	programs.Add(key, e)
	return e, nil
}

func exprOptions() []expr.Option {
	return []expr.Option{
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.DisableAllBuiltins(),
		expr.Function("len", exprLen),
		expr.Function("lower", stringFunc(strings.ToLower)),
		expr.Function("upper", stringFunc(strings.ToUpper)),
		expr.Function("string", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("string 需要 1 个参数，得到 %d 个", len(params))
			}
			return stringify(params[0]), nil
		}),
	}
}

// Eval 在 root 上求值。整数结果统一为 float64，与 JSON 解码后的数值一致。
func (e *Expr) Eval(root map[string]any) (any, error) {
	if root == nil {
		root = map[string]any{}
	}
	v, err := expr.Run(e.program, root)
	if err != nil {
		return nil, fmt.Errorf("表达式 %q 求值失败: %w", e.src, err)
	}
	if e.condition {
		if _, ok := v.(bool); !ok {
			return nil, fmt.Errorf("条件 %q 的结果不是布尔值: %T", e.src, v)
		}
		return v, nil
	}
	return normalizeNumber(v), nil
}

// Eval 编译并求值表达式。
func Eval(src string, root map[string]any) (any, error) {
	e, err := ParseExpr(src)
	if err != nil {
		return nil, err
	}
	return e.Eval(root)
}

// EvalBool 把 src 作为条件求值。
func EvalBool(src string, root map[string]any) (bool, error) {
	e, err := ParseCondition(src)
	if err != nil {
		return false, err
	}
	v, err := e.Eval(root)
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Truthy 定义载荷标记的真假：nil、false、0、空串与空集合为假。
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	if n, ok := toNumber(v); ok {
		return n != 0
	}
	return true
}

func exprLen(params ...any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("len 需要 1 个参数，得到 %d 个", len(params))
	}
	switch v := params[0].(type) {
	case nil:
		return 0, nil
	case string:
		return len([]rune(v)), nil
	}
	rv := reflect.ValueOf(params[0])
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), nil
	}
	return nil, fmt.Errorf("len 不支持 %T", params[0])
}

func stringFunc(fn func(string) string) func(params ...any) (any, error) {
	return func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("需要 1 个参数，得到 %d 个", len(params))
		}
		return fn(stringify(params[0])), nil
	}
}

func normalizeNumber(v any) any {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32:
		n, _ := toNumber(v)
		return n
	}
	return v
}

func toNumber(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	}
	return 0, false
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

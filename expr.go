package httptoolkit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// responseEnv is the environment visible to response expressions.
type responseEnv struct {
	Status  int               `expr:"status"`
	Attempt int               `expr:"attempt"`
	DelayMs int64             `expr:"delay_ms"`
	Method  string            `expr:"method"`
	Header  map[string]string `expr:"header"`
}

// ExprResponseDecider compiles a boolean expr-lang expression into a
// ResponseDecider, e.g. `status >= 500 || status == 429` or
// `attempt < 2 && header["Retry-After"] != ""`. Header keys are canonical.
// Evaluation errors count as "do not retry".
func ExprResponseDecider(expression string) (ResponseDecider, error) {
	program, err := expr.Compile(expression, expr.Env(responseEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile retry expression %q: %w", expression, err)
	}
	return exprDecider(program), nil
}

func exprDecider(program *vm.Program) ResponseDecider {
	return func(resp *http.Response, attempt int, nextDelay time.Duration) bool {
		env := responseEnv{
			Status:  resp.StatusCode,
			Attempt: attempt,
			DelayMs: nextDelay.Milliseconds(),
			Header:  make(map[string]string, len(resp.Header)),
		}
		if resp.Request != nil {
			env.Method = resp.Request.Method
		}
		for k := range resp.Header {
			env.Header[k] = resp.Header.Get(k)
		}

		out, err := expr.Run(program, env)
		if err != nil {
			return false
		}
		retry, ok := out.(bool)
		return ok && retry
	}
}

package worker

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	_ "github.com/lib/pq" // PostgreSQL driver for the postgres plugin
	"github.com/noetl/noetl/internal/storage"
)

// HTTPPlugin performs HTTP requests. The job context carries url, method,
// headers, params and payload, all rendered server-side.
type HTTPPlugin struct {
	client *resty.Client
}

// NewHTTPPlugin creates the http plugin with a shared client.
func NewHTTPPlugin(timeout time.Duration) *HTTPPlugin {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPPlugin{client: resty.New().SetTimeout(timeout)}
}

func (p *HTTPPlugin) Type() string { return "http" }

func (p *HTTPPlugin) Execute(ctx context.Context, job *storage.QueueJob) Result {
	url, _ := job.Context["url"].(string)
	if url == "" {
		return Result{Status: ResultError, Error: "http action has no url"}
	}

	method, _ := job.Context["method"].(string)
	if method == "" {
		method = "GET"
	}

	req := p.client.R().SetContext(ctx)

	if headers, ok := job.Context["headers"].(map[string]any); ok {
		for key, val := range headers {
			req.SetHeader(key, fmt.Sprint(val))
		}
	}

	if params, ok := job.Context["params"].(map[string]any); ok {
		for key, val := range params {
			req.SetQueryParam(key, fmt.Sprint(val))
		}
	}

	if payload, ok := job.Context["payload"]; ok {
		req.SetBody(payload)
	}

	resp, err := req.Execute(strings.ToUpper(method), url)
	if err != nil {
		return Result{Status: ResultError, Error: err.Error(), Retry: true}
	}

	var body any
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		body = string(resp.Body())
	}

	data := map[string]any{
		"status_code": resp.StatusCode(),
		"body":        body,
	}

	if resp.IsError() {
		// Server errors are worth retrying; client errors are not.
		return Result{
			Status: ResultError,
			Data:   data,
			Error:  fmt.Sprintf("http status %d", resp.StatusCode()),
			Retry:  resp.StatusCode() >= 500,
		}
	}

	return Result{Status: ResultSuccess, Data: data}
}

// PostgresPlugin runs SQL against an ad-hoc DSN from the job context.
type PostgresPlugin struct{}

func (p *PostgresPlugin) Type() string { return "postgres" }

func (p *PostgresPlugin) Execute(ctx context.Context, job *storage.QueueJob) Result {
	dsn, _ := job.Context["dsn"].(string)
	if dsn == "" {
		dsn = os.Getenv("NOETL_DATABASE_URL")
	}

	if dsn == "" {
		return Result{Status: ResultError, Error: "postgres action has no dsn"}
	}

	command, _ := job.Context["command"].(string)
	if command == "" {
		return Result{Status: ResultError, Error: "postgres action has no command"}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return Result{Status: ResultError, Error: err.Error()}
	}

	defer func() {
		_ = db.Close()
	}()

	trimmed := strings.ToUpper(strings.TrimSpace(command))
	if strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "WITH") {
		rows, err := db.QueryContext(ctx, command)
		if err != nil {
			return Result{Status: ResultError, Error: err.Error(), Retry: true}
		}

		defer func() {
			_ = rows.Close()
		}()

		records, err := scanRows(rows)
		if err != nil {
			return Result{Status: ResultError, Error: err.Error()}
		}

		return Result{Status: ResultSuccess, Data: map[string]any{"rows": records}}
	}

	res, err := db.ExecContext(ctx, command)
	if err != nil {
		return Result{Status: ResultError, Error: err.Error(), Retry: true}
	}

	affected, _ := res.RowsAffected()

	return Result{Status: ResultSuccess, Data: map[string]any{"rows_affected": affected}}
}

// scanRows converts a result set into a list of column-keyed maps.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var records []map[string]any

	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))

		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}

		record := make(map[string]any, len(columns))

		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
			} else {
				record[col] = values[i]
			}
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

// PythonPlugin runs a python snippet. The job context is passed as JSON on
// stdin; the snippet prints its result as JSON on stdout.
type PythonPlugin struct {
	// Interpreter overrides the python binary (default python3).
	Interpreter string
}

func (p *PythonPlugin) Type() string { return "python" }

func (p *PythonPlugin) Execute(ctx context.Context, job *storage.QueueJob) Result {
	code, _ := job.Context["code"].(string)
	if code == "" {
		return Result{Status: ResultError, Error: "python action has no code"}
	}

	interpreter := p.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}

	return runProcess(ctx, job, exec.CommandContext(ctx, interpreter, "-c", code))
}

// ShellPlugin runs a shell command with the same stdin/stdout JSON contract.
type ShellPlugin struct{}

func (p *ShellPlugin) Type() string { return "shell" }

func (p *ShellPlugin) Execute(ctx context.Context, job *storage.QueueJob) Result {
	command, _ := job.Context["command"].(string)
	if command == "" {
		return Result{Status: ResultError, Error: "shell action has no command"}
	}

	return runProcess(ctx, job, exec.CommandContext(ctx, "sh", "-c", command))
}

// runProcess feeds the job context to the child as JSON and interprets the
// last stdout line as the result: JSON when it parses, raw text otherwise.
func runProcess(ctx context.Context, job *storage.QueueJob, cmd *exec.Cmd) Result {
	input, err := json.Marshal(job.Context)
	if err != nil {
		return Result{Status: ResultError, Error: err.Error()}
	}

	var stdout, stderr bytes.Buffer

	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{Status: ResultError, Error: ctx.Err().Error(), Retry: true}
		}

		return Result{
			Status:    ResultError,
			Error:     err.Error(),
			Traceback: stderr.String(),
			Retry:     true,
		}
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return Result{Status: ResultSuccess}
	}

	lines := strings.Split(out, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])

	var parsed any
	if err := json.Unmarshal([]byte(last), &parsed); err != nil {
		return Result{Status: ResultSuccess, Data: out}
	}

	return Result{Status: ResultSuccess, Data: parsed}
}

// AggregationPlugin completes the result_aggregation job enqueued when a
// loop finishes: the aggregate already lives in the job context, the plugin
// just echoes it so the queue row closes with the same payload.
type AggregationPlugin struct{}

func (p *AggregationPlugin) Type() string { return "result_aggregation" }

func (p *AggregationPlugin) Execute(_ context.Context, job *storage.QueueJob) Result {
	return Result{Status: ResultSuccess, Data: job.Context["results"]}
}

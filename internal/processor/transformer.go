package processor

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dop251/goja"
	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"cdc-json/internal/config"
	"cdc-json/internal/models"
)

// json sorts object keys so transformed payloads are deterministic.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrEventRejected is returned when a JavaScript transform function rejects a record
// by returning null or undefined
var ErrEventRejected = errors.New("event rejected by transformer")

// Transformer filters tables and rewrites record payloads based on configuration
type Transformer struct {
	config   *config.ProcessorConfig
	logger   *logrus.Logger
	rules    []*RuleMatcher
	program  *goja.Program // Compiled script
	natsConn *nats.Conn    // NATS connection for JavaScript bindings

	vm        *goja.Runtime
	transform goja.Callable
}

// RuleMatcher matches tables by database (schema) and name
type RuleMatcher struct {
	database string
	table    string
	exclude  bool
}

// NewTransformer creates a new transformer with the given configuration
func NewTransformer(cfg *config.ProcessorConfig, logger *logrus.Logger, natsConn *nats.Conn) (*Transformer, error) {
	transformer := &Transformer{
		config:   cfg,
		logger:   logger,
		rules:    []*RuleMatcher{},
		natsConn: natsConn,
	}
	if cfg == nil || !cfg.Enabled {
		return transformer, nil
	}

	// Load JavaScript script if specified
	if cfg.Script != "" {
		scriptContent, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read JavaScript script file: %w", err)
		}

		program, err := goja.Compile(cfg.Script, string(scriptContent), false)
		if err != nil {
			return nil, fmt.Errorf("invalid JavaScript script: %w", err)
		}
		transformer.program = program

		// Validate script has transform function
		if err := transformer.init(); err != nil {
			return nil, fmt.Errorf("invalid JavaScript script: %w", err)
		}
		logger.Infof("Loaded JavaScript transformation script: %s", cfg.Script)
	}

	for _, rule := range cfg.Rules {
		transformer.rules = append(transformer.rules, &RuleMatcher{
			database: rule.Database,
			table:    rule.Table,
			exclude:  rule.Exclude,
		})
	}

	return transformer, nil
}

// init runs the script in a fresh runtime and resolves the transform function.
// The script can evaluate to a function, e.g. (function(event) { return event; }),
// or define a function named transform.
func (t *Transformer) init() error {
	vm := goja.New()

	if err := t.setupConsoleBindings(vm); err != nil {
		return fmt.Errorf("failed to setup console bindings: %w", err)
	}
	// Expose NATS functionality to JavaScript if NATS connection is available
	if t.natsConn != nil {
		if err := t.setupNATSBindings(vm); err != nil {
			return fmt.Errorf("failed to setup NATS bindings: %w", err)
		}
	}

	result, err := vm.RunProgram(t.program)
	if err != nil {
		return fmt.Errorf("failed to execute script: %w", err)
	}

	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			t.vm, t.transform = vm, fn
			return nil
		}
	}

	transformVar := vm.Get("transform")
	if transformVar != nil && !goja.IsUndefined(transformVar) && !goja.IsNull(transformVar) {
		if fn, ok := goja.AssertFunction(transformVar); ok {
			t.vm, t.transform = vm, fn
			return nil
		}
	}

	return fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
}

// Allow reports whether changes to a table should be decoded. The first
// matching rule decides; tables no rule matches are allowed.
func (t *Transformer) Allow(database, table string) bool {
	if t.config == nil || !t.config.Enabled {
		return true
	}
	for _, rule := range t.rules {
		if rule.matches(database, table) {
			return !rule.exclude
		}
	}
	return true
}

// Transform runs the JavaScript transform over a record. Without a script
// the record is returned as-is.
func (t *Transformer) Transform(rec *models.Record) (*models.Record, error) {
	if t.config == nil || !t.config.Enabled || t.transform == nil {
		return rec, nil
	}

	t.logger.Debugf("Transforming record with JavaScript: %s (type: %s)", rec.QualifiedTable(), rec.Op)

	event := t.vm.NewObject()
	for key, value := range map[string]interface{}{
		"op":          rec.Op,
		"namespace":   rec.Namespace,
		"table":       rec.Table,
		"xid":         rec.Xid,
		"commit_time": rec.CommitTime.Format(time.RFC3339Nano),
		"payload":     string(rec.Payload),
	} {
		if err := event.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to set event field %s: %w", key, err)
		}
	}

	result, err := t.transform(goja.Undefined(), event)
	if err != nil {
		t.logger.Errorf("JavaScript transform function error: %v", err)
		return nil, fmt.Errorf("JavaScript transform function error: %w", err)
	}

	// Check if result is undefined or null - this means the record should be dropped
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		t.logger.Debugf("Record rejected by JavaScript transformer: %s (type: %s)", rec.QualifiedTable(), rec.Op)
		return nil, ErrEventRejected
	}

	transformed := *rec
	switch exported := result.Export().(type) {
	case string:
		transformed.Payload = []byte(exported)
	default:
		payload, err := json.Marshal(exported)
		if err != nil {
			t.logger.Errorf("Failed to marshal JavaScript result: %v", err)
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		transformed.Payload = payload
	}

	t.logger.Debugf("JavaScript transformation result: %s", transformed.Payload)
	return &transformed, nil
}

// matches checks if a rule matches the given database and table
func (r *RuleMatcher) matches(database, table string) bool {
	// Match database (empty = all databases)
	if r.database != "" && !strings.EqualFold(r.database, database) {
		return false
	}

	// Match table (empty = all tables)
	if r.table != "" && !strings.EqualFold(r.table, table) {
		return false
	}

	return true
}

// setupConsoleBindings sets up console JavaScript bindings in the VM
func (t *Transformer) setupConsoleBindings(vm *goja.Runtime) error {
	consoleObj := vm.NewObject()

	// Helper function to format console arguments
	formatArgs := func(call goja.FunctionCall) string {
		args := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.String()
		}
		return strings.Join(args, " ")
	}

	levels := map[string]func(args ...interface{}){
		"log":   t.logger.Info,
		"info":  t.logger.Info,
		"warn":  t.logger.Warn,
		"error": t.logger.Error,
		"debug": t.logger.Debug,
	}
	for name, logFn := range levels {
		logFn := logFn
		fn := func(call goja.FunctionCall) goja.Value {
			logFn(formatArgs(call))
			return goja.Undefined()
		}
		if err := consoleObj.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
	}

	if err := vm.Set("console", consoleObj); err != nil {
		return fmt.Errorf("failed to set console object: %w", err)
	}

	return nil
}

// exportBytes converts a JavaScript value to bytes, marshaling non-strings as JSON
func exportBytes(vm *goja.Runtime, value goja.Value, what string) []byte {
	exported := value.Export()
	switch v := exported.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		data, err := json.Marshal(exported)
		if err != nil {
			panic(vm.NewTypeError("%s: failed to marshal data: %v", what, err))
		}
		return data
	}
}

// setupNATSBindings sets up NATS JavaScript bindings in the VM
func (t *Transformer) setupNATSBindings(vm *goja.Runtime) error {
	natsObj := vm.NewObject()

	publishFn := func(call goja.FunctionCall) goja.Value {
		subject := call.Argument(0).String()
		if subject == "" {
			panic(vm.NewTypeError("nats.publish: subject is required"))
		}
		dataArg := call.Argument(1)
		if goja.IsUndefined(dataArg) || goja.IsNull(dataArg) {
			panic(vm.NewTypeError("nats.publish: data is required"))
		}

		if err := t.natsConn.Publish(subject, exportBytes(vm, dataArg, "nats.publish")); err != nil {
			t.logger.Errorf("NATS publish error: %v", err)
			panic(vm.NewGoError(err))
		}

		t.logger.Debugf("Published to NATS subject: %s", subject)
		return goja.Undefined()
	}
	if err := natsObj.Set("publish", publishFn); err != nil {
		return fmt.Errorf("failed to set publish function: %w", err)
	}

	kvObj := vm.NewObject()

	getKVStore := func(bucket string) nats.KeyValue {
		js, err := t.natsConn.JetStream()
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("failed to get JetStream context: %w", err)))
		}
		kv, err := js.KeyValue(bucket)
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("failed to get KV store '%s': %w", bucket, err)))
		}
		return kv
	}

	bucketAndKey := func(call goja.FunctionCall, fn string) (string, string) {
		bucket := call.Argument(0).String()
		key := call.Argument(1).String()
		if bucket == "" || key == "" {
			panic(vm.NewTypeError("nats.kv.%s: bucket and key are required", fn))
		}
		return bucket, key
	}

	kvGetFn := func(call goja.FunctionCall) goja.Value {
		bucket, key := bucketAndKey(call, "get")
		entry, err := getKVStore(bucket).Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				return goja.Null()
			}
			t.logger.Errorf("KV get error: %v", err)
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(string(entry.Value()))
	}

	kvPutFn := func(call goja.FunctionCall) goja.Value {
		bucket, key := bucketAndKey(call, "put")
		valueArg := call.Argument(2)
		if goja.IsUndefined(valueArg) || goja.IsNull(valueArg) {
			panic(vm.NewTypeError("nats.kv.put: value is required"))
		}
		if _, err := getKVStore(bucket).Put(key, exportBytes(vm, valueArg, "nats.kv.put")); err != nil {
			t.logger.Errorf("KV put error: %v", err)
			panic(vm.NewGoError(err))
		}
		t.logger.Debugf("Put to KV store '%s' key '%s'", bucket, key)
		return goja.Undefined()
	}

	kvDeleteFn := func(call goja.FunctionCall) goja.Value {
		bucket, key := bucketAndKey(call, "delete")
		if err := getKVStore(bucket).Delete(key); err != nil {
			t.logger.Errorf("KV delete error: %v", err)
			panic(vm.NewGoError(err))
		}
		t.logger.Debugf("Deleted from KV store '%s' key '%s'", bucket, key)
		return goja.Undefined()
	}

	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"get":    kvGetFn,
		"put":    kvPutFn,
		"delete": kvDeleteFn,
	} {
		if err := kvObj.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set KV %s function: %w", name, err)
		}
	}
	if err := natsObj.Set("kv", kvObj); err != nil {
		return fmt.Errorf("failed to set KV object: %w", err)
	}

	// Set global 'nats' object
	if err := vm.Set("nats", natsObj); err != nil {
		return fmt.Errorf("failed to set nats object: %w", err)
	}

	return nil
}

// ValidateRules validates processor configuration rules
func ValidateRules(cfg *config.ProcessorConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	// Validate JavaScript script file exists if specified
	if cfg.Script != "" {
		if _, err := os.Stat(cfg.Script); os.IsNotExist(err) {
			return fmt.Errorf("JavaScript script file not found: %s", cfg.Script)
		}
	}

	for i, rule := range cfg.Rules {
		if rule.Database == "" && rule.Table == "" {
			return fmt.Errorf("processor rule %d: must name a database or a table", i)
		}
	}

	return nil
}

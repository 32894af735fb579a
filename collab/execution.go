package collab

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

type ExecutionEventKind string

const (
	ExecutionEventStdout ExecutionEventKind = "stdout"
	ExecutionEventStderr ExecutionEventKind = "stderr"
	ExecutionEventError  ExecutionEventKind = "error"
	ExecutionEventResult ExecutionEventKind = "result"
)

// ExecutionEvent is one piece of output from a running execution.
type ExecutionEvent struct {
	Kind ExecutionEventKind
	Text string
}

// ExecutionBackend runs source submitted locally or by another peer.
// Execute returns a stream of events and closes it when the run is done.
type ExecutionBackend interface {
	Execute(ctx context.Context, source string) (<-chan ExecutionEvent, error)
}

// SafetyReport is the advisory verdict on a piece of source.
type SafetyReport struct {
	Safe     bool
	Warnings []string
}

// SafetyChecker screens source before it reaches a backend. Advisory
// only, the warnings travel with the result and the run proceeds.
type SafetyChecker interface {
	Check(source string) *SafetyReport
}

type EndpointFunc func(ctx context.Context, args []string) (string, error)

// LocalExecutionBackend runs source of the form "endpoint arg...",
// dispatching the first word to a registered function.
type LocalExecutionBackend struct {
	mutex     sync.Mutex
	endpoints map[string]EndpointFunc
}

func NewLocalExecutionBackend() *LocalExecutionBackend {
	return &LocalExecutionBackend{
		endpoints: map[string]EndpointFunc{},
	}
}

func (self *LocalExecutionBackend) Register(endpoint string, endpointFunc EndpointFunc) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.endpoints[endpoint] = endpointFunc
}

func (self *LocalExecutionBackend) Endpoints() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	endpoints := make([]string, 0, len(self.endpoints))
	for endpoint := range self.endpoints {
		endpoints = append(endpoints, endpoint)
	}
	slices.Sort(endpoints)
	return endpoints
}

func (self *LocalExecutionBackend) Execute(ctx context.Context, source string) (<-chan ExecutionEvent, error) {
	fields := strings.Fields(source)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty source")
	}

	self.mutex.Lock()
	endpointFunc, ok := self.endpoints[fields[0]]
	self.mutex.Unlock()
	if !ok {
		return nil, fmt.Errorf("no endpoint %s", fields[0])
	}

	events := make(chan ExecutionEvent, 4)
	go func() {
		defer close(events)
		result, err := endpointFunc(ctx, fields[1:])
		if err != nil {
			events <- ExecutionEvent{Kind: ExecutionEventError, Text: err.Error()}
			return
		}
		events <- ExecutionEvent{Kind: ExecutionEventResult, Text: result}
	}()
	return events, nil
}

// BasicSafetyChecker flags source that reaches for the shell or the
// filesystem. Token matching only, it proves nothing about what the
// source actually does.
type BasicSafetyChecker struct {
	RiskyTokens     []string
	MaxSourceLength int
}

func NewBasicSafetyChecker() *BasicSafetyChecker {
	return &BasicSafetyChecker{
		RiskyTokens:     []string{"os.system", "subprocess", "shutil.rmtree", "rm -rf"},
		MaxSourceLength: 1 << 16,
	}
}

func (self *BasicSafetyChecker) Check(source string) *SafetyReport {
	report := &SafetyReport{
		Safe:     true,
		Warnings: []string{},
	}
	for _, token := range self.RiskyTokens {
		if strings.Contains(source, token) {
			report.Safe = false
			report.Warnings = append(report.Warnings, fmt.Sprintf("source contains %q", token))
		}
	}
	if 0 < self.MaxSourceLength && self.MaxSourceLength < len(source) {
		report.Warnings = append(report.Warnings, fmt.Sprintf("source longer than %d bytes", self.MaxSourceLength))
	}
	return report
}

// SymbolExtractor narrows document text to one named symbol.
// Returns false when the symbol is not found.
type SymbolExtractor func(units []*UnitState, selector string) (string, bool)

// ExtractUnitSymbol is the default extractor. It returns the first unit
// whose opening line names the selector as a standalone word, which covers
// function and type declarations as well as headings.
func ExtractUnitSymbol(units []*UnitState, selector string) (string, bool) {
	for _, unit := range units {
		if lineNamesSymbol(firstLine(unit.Content), selector) {
			return unit.Content, true
		}
	}
	return "", false
}

func lineNamesSymbol(line string, selector string) bool {
	return slices.Contains(symbolFields(line), selector)
}

// ExportedSymbols lists the names a document's code units define, for the
// manifest. A name is the word after a definition keyword on the unit's
// first line.
func ExportedSymbols(units []*UnitState) []string {
	symbols := []string{}
	for _, unit := range units {
		if unit.Kind != UnitKindCode {
			continue
		}
		if symbol, ok := definedSymbol(firstLine(unit.Content)); ok && !slices.Contains(symbols, symbol) {
			symbols = append(symbols, symbol)
		}
	}
	return symbols
}

func definedSymbol(line string) (string, bool) {
	fields := symbolFields(line)
	for i, word := range fields {
		switch word {
		case "def", "func", "function", "fn", "class", "type", "struct", "interface":
			if i+1 < len(fields) {
				return fields[i+1], true
			}
		}
	}
	return "", false
}

func symbolFields(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		switch r {
		case ' ', '\t', '(', ')', '{', '}', ':', ',', '#':
			return true
		default:
			return false
		}
	})
}

package convex

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"sync"
)

// carries query results resolved during a server render pass over to
// the interactive pass, so that the first client bind can seed state
// without a network round trip.
//
// the transfer is owned by one `Env` and therefore scoped to one
// request. `Reset` clears both directions and must be called by the
// render orchestrator between passes that reuse an `Env`.
type PayloadTransfer struct {
	serverMode bool

	stateLock sync.Mutex

	serverValues map[string]Value

	transported   string
	decodeOnce    *sync.Once
	decodedValues map[string]Value
	decodeErr     error
}

func NewPayloadTransfer(serverMode bool) *PayloadTransfer {
	return &PayloadTransfer{
		serverMode:   serverMode,
		serverValues: map[string]Value{},
		decodeOnce:   &sync.Once{},
	}
}

// effective only on the server render path
func (self *PayloadTransfer) SetServerValue(key string, value Value) {
	if !self.serverMode {
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.serverValues[key] = value
}

// flattens the server buffer into a transportable string.
// values round-trip through the rich encoding, which can represent
// shapes plain json cannot (non-finite numbers, byte strings).
func (self *PayloadTransfer) SerializeAll() (string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	encodedValues := map[string]Value{}
	for key, value := range self.serverValues {
		encodedValues[key] = encodeRich(value)
	}
	transportJson, err := json.Marshal(encodedValues)
	if err != nil {
		return "", err
	}
	return string(transportJson), nil
}

// installs the transported text on the interactive side.
// decoding is deferred to the first `GetClientValue` call.
func (self *PayloadTransfer) LoadSerialized(transported string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.transported = transported
	self.decodeOnce = &sync.Once{}
	self.decodedValues = nil
	self.decodeErr = nil
}

// effective only on the interactive path.
// the transported text is decoded exactly once, then served from cache.
func (self *PayloadTransfer) GetClientValue(key string) (Value, bool) {
	if self.serverMode {
		return nil, false
	}

	self.stateLock.Lock()
	transported := self.transported
	decodeOnce := self.decodeOnce
	self.stateLock.Unlock()

	if transported == "" {
		return nil, false
	}

	decodeOnce.Do(func() {
		encodedValues := map[string]Value{}
		err := json.Unmarshal([]byte(transported), &encodedValues)

		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if err != nil {
			self.decodeErr = err
			return
		}
		decodedValues := map[string]Value{}
		for encodedKey, encodedValue := range encodedValues {
			decodedValues[encodedKey] = decodeRich(encodedValue)
		}
		self.decodedValues = decodedValues
	})

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.decodeErr != nil {
		return nil, false
	}
	value, ok := self.decodedValues[key]
	return value, ok
}

// clears both directions. prevents cross-request leakage when the
// embedding caller reuses process state across render passes.
func (self *PayloadTransfer) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.serverValues = map[string]Value{}
	self.transported = ""
	self.decodeOnce = &sync.Once{}
	self.decodedValues = nil
	self.decodeErr = nil
}

// rich encoding tags the value shapes plain json cannot carry:
//
//	NaN/±Inf  -> {"$float": "nan" | "inf" | "-inf"}
//	[]byte    -> {"$bytes": base64}
//
// everything else passes through unchanged.
func encodeRich(value Value) Value {
	switch v := value.(type) {
	case map[string]Value:
		encoded := make(map[string]Value, len(v))
		for key, item := range v {
			encoded[key] = encodeRich(item)
		}
		return encoded
	case []Value:
		encoded := make([]Value, len(v))
		for i, item := range v {
			encoded[i] = encodeRich(item)
		}
		return encoded
	case []byte:
		return map[string]Value{
			"$bytes": base64.StdEncoding.EncodeToString(v),
		}
	case float64:
		return encodeRichFloat(v)
	case float32:
		return encodeRichFloat(float64(v))
	default:
		return value
	}
}

func encodeRichFloat(v float64) Value {
	switch {
	case math.IsNaN(v):
		return map[string]Value{"$float": "nan"}
	case math.IsInf(v, 1):
		return map[string]Value{"$float": "inf"}
	case math.IsInf(v, -1):
		return map[string]Value{"$float": "-inf"}
	default:
		return v
	}
}

func decodeRich(value Value) Value {
	switch v := value.(type) {
	case map[string]Value:
		if len(v) == 1 {
			if tag, ok := v["$float"]; ok {
				switch tag {
				case "nan":
					return math.NaN()
				case "inf":
					return math.Inf(1)
				case "-inf":
					return math.Inf(-1)
				}
			}
			if tag, ok := v["$bytes"]; ok {
				if tagStr, ok := tag.(string); ok {
					if decoded, err := base64.StdEncoding.DecodeString(tagStr); err == nil {
						return decoded
					}
				}
			}
		}
		decoded := make(map[string]Value, len(v))
		for key, item := range v {
			decoded[key] = decodeRich(item)
		}
		return decoded
	case []Value:
		decoded := make([]Value, len(v))
		for i, item := range v {
			decoded[i] = decodeRich(item)
		}
		return decoded
	default:
		return value
	}
}

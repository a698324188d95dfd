package cachestore

import (
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// ResponseType mirrors the fetch response type: only same-origin ("basic")
// responses are eligible for cache-first storage.
type ResponseType string

const (
	TypeBasic ResponseType = "basic"
	TypeCORS  ResponseType = "cors"
)

// Key is the request identity an entry is stored under: method and URL.
type Key string

func NewKey(method, url string) Key {
	return Key(method + " " + url)
}

func GetKey(url string) Key { return NewKey(http.MethodGet, url) }

// Entry is a stored response snapshot.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	Type     ResponseType
	StoredAt time.Time
	Digest   [32]byte
}

// NewEntry snapshots a response and computes its body digest.
func NewEntry(status int, header http.Header, body []byte, typ ResponseType) Entry {
	return Entry{
		Status:   status,
		Header:   cloneHeader(header),
		Body:     body,
		Type:     typ,
		StoredAt: time.Now().UTC(),
		Digest:   blake3.Sum256(body),
	}
}

// Clone returns a deep copy; a snapshot handed to the caller and the copy
// queued for the cache must never share header maps or body bytes.
func (e Entry) Clone() Entry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

func (e Entry) OK() bool { return e.Status >= 200 && e.Status < 300 }

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

// ---- encoding ----

type bodyCodec uint8

const (
	codecRaw  bodyCodec = 0
	codecZstd bodyCodec = 1
)

// Bodies smaller than this are stored raw; zstd framing overhead is not worth it.
const compressThreshold = 1024

type record struct {
	Status   int                 `cbor:"1,keyasint"`
	Header   map[string][]string `cbor:"2,keyasint"`
	Type     string              `cbor:"3,keyasint"`
	StoredAt int64               `cbor:"4,keyasint"`
	Digest   []byte              `cbor:"5,keyasint"`
	Codec    uint8               `cbor:"6,keyasint"`
	Body     []byte              `cbor:"7,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zenc *zstd.Encoder
	zdec *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cachestore: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("cachestore: CBOR decoder initialization failed: " + err.Error())
	}
	zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cachestore: zstd encoder initialization failed: " + err.Error())
	}
	zdec, err = zstd.NewReader(nil)
	if err != nil {
		panic("cachestore: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeEntry(e Entry) ([]byte, error) {
	digest := blake3.Sum256(e.Body)
	rec := record{
		Status:   e.Status,
		Header:   e.Header,
		Type:     string(e.Type),
		StoredAt: e.StoredAt.UnixNano(),
		Digest:   digest[:],
		Codec:    uint8(codecRaw),
		Body:     e.Body,
	}
	if len(e.Body) >= compressThreshold {
		rec.Codec = uint8(codecZstd)
		rec.Body = zenc.EncodeAll(e.Body, make([]byte, 0, len(e.Body)/2))
	}
	return encMode.Marshal(rec)
}

func decodeEntry(b []byte) (Entry, error) {
	var rec record
	if err := decMode.Unmarshal(b, &rec); err != nil {
		return Entry{}, err
	}
	body := rec.Body
	switch bodyCodec(rec.Codec) {
	case codecRaw:
	case codecZstd:
		var err error
		body, err = zdec.DecodeAll(rec.Body, nil)
		if err != nil {
			return Entry{}, fmt.Errorf("decompress body: %w", err)
		}
	default:
		return Entry{}, fmt.Errorf("unknown body codec %d", rec.Codec)
	}
	e := Entry{
		Status:   rec.Status,
		Header:   http.Header(rec.Header),
		Body:     body,
		Type:     ResponseType(rec.Type),
		StoredAt: time.Unix(0, rec.StoredAt).UTC(),
	}
	if e.Header == nil {
		e.Header = http.Header{}
	}
	copy(e.Digest[:], rec.Digest)
	if blake3.Sum256(body) != e.Digest {
		return Entry{}, fmt.Errorf("body digest mismatch")
	}
	return e, nil
}

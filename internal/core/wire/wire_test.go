package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

type sceneNode struct{ id int }

func (*sceneNode) EngineHandle() {}

type rigidBody struct{ mass float64 }

type Position struct {
	X, Y, Z float64
}

type Health struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

type Turret struct {
	Yaw    float64
	Pitch  float64
	Node   *sceneNode
	Body   rigidBody
	Owner  string `json:"-"`
	Target string `json:"target,omitempty"`
	secret int
}

type Velocity struct {
	X, Y, Z float64
}

func (Velocity) NetworkName() string { return "velocity" }

func newRegistry(t *testing.T, ex Exclusions) *TypeRegistry {
	t.Helper()
	r := NewTypeRegistry(NewSchema(ex))
	require.NoError(t, Register[Position](r))
	require.NoError(t, Register[Health](r))
	require.NoError(t, Register[Turret](r))
	return r
}

func TestFrame_RoundTrip(t *testing.T) {
	w := &NetworkWrapper{
		Guid: "g1",
		GameObjects: []Payload{
			{"X": json.RawMessage(`1`), "Y": json.RawMessage(`2`), "Z": json.RawMessage(`3`)},
			{"current": json.RawMessage(`10`), "max": json.RawMessage(` 100 `)},
		},
	}

	data, err := Encode(w)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := WriteFrame(&buf, data)
	require.NoError(t, err)
	require.Equal(t, HeaderSize+len(data), n)
	require.Equal(t, uint64(len(data)), binary.BigEndian.Uint64(buf.Bytes()[:HeaderSize]))

	frame, err := ReadFrame(&buf, 0)
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	require.True(t, w.Equal(decoded))

	_, err = ReadFrame(&buf, 0)
	require.ErrorIs(t, err, io.EOF)
}

func TestFrame_SequentialFramesKeepOrder(t *testing.T) {
	var buf bytes.Buffer
	for _, guid := range []string{"a", "b", "c"} {
		data, err := Encode(&NetworkWrapper{Guid: guid})
		require.NoError(t, err)
		_, err = WriteFrame(&buf, data)
		require.NoError(t, err)
	}

	for _, guid := range []string{"a", "b", "c"} {
		frame, err := ReadFrame(&buf, 0)
		require.NoError(t, err)
		w, err := Decode(frame)
		require.NoError(t, err)
		require.Equal(t, guid, w.Guid)
	}
}

func TestFrame_Errors(t *testing.T) {
	t.Run("too large", func(t *testing.T) {
		frame := AppendFrame(nil, bytes.Repeat([]byte("a"), 64))
		_, err := ReadFrame(bytes.NewReader(frame), 16)

		var fe *FramingError
		require.ErrorAs(t, err, &fe)
		require.ErrorIs(t, err, ErrFrameTooLarge)
		require.Equal(t, uint64(64), fe.Length)
	})

	t.Run("truncated body", func(t *testing.T) {
		frame := AppendFrame(nil, []byte(`{"Guid":"g"}`))
		_, err := ReadFrame(bytes.NewReader(frame[:len(frame)-3]), 0)
		require.ErrorIs(t, err, ErrTruncatedFrame)
		require.ErrorIs(t, err, ErrFramingFailed)
	})

	t.Run("truncated header", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader([]byte{0, 0, 1}), 0)
		require.ErrorIs(t, err, ErrTruncatedFrame)
	})

	t.Run("zero length", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader(make([]byte, HeaderSize)), 0)
		require.ErrorIs(t, err, ErrEmptyFrame)
	})

	t.Run("empty write", func(t *testing.T) {
		_, err := WriteFrame(io.Discard, nil)
		require.ErrorIs(t, err, ErrEmptyFrame)
	})

	t.Run("read error passes through", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := ReadFrame(errReader{boom}, 0)
		require.ErrorIs(t, err, boom)
		require.NotErrorIs(t, err, ErrFramingFailed)
	})
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestSplitFrame(t *testing.T) {
	payload := []byte(`{"Guid":"g"}`)
	datagram := AppendFrame(nil, payload)

	got, err := SplitFrame(datagram, 0)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	_, err = SplitFrame(append(datagram, 'x'), 0)
	require.ErrorIs(t, err, ErrLengthMismatch)

	_, err = SplitFrame(datagram[:4], 0)
	require.ErrorIs(t, err, ErrTruncatedFrame)

	_, err = SplitFrame(datagram, 4)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecode_Errors(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"Guid": `,
		"not an object": `[1,2,3]`,
		"no guid":       `{"GameObjects":[]}`,
		"bad payload":   `{"Guid":"g","GameObjects":[1]}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(in))
			var de *DeserializationError
			require.ErrorAs(t, err, &de)
			require.ErrorIs(t, err, ErrDeserialization)
		})
	}
}

func TestEncode_RejectsInvalidWrapper(t *testing.T) {
	_, err := Encode(nil)
	require.ErrorIs(t, err, ErrNilWrapper)

	_, err = Encode(&NetworkWrapper{})
	require.ErrorIs(t, err, ErrEmptyGUID)
}

func TestSerializer_ExcludesEngineHandlesAndConfiguredTypes(t *testing.T) {
	schema := NewSchema(Exclusions{Types: []reflect.Type{ExcludeType[rigidBody]()}})
	s := NewSerializer(WithSchema(schema), WithTypeTags(false))

	p, err := s.SerializePayload(&Turret{Yaw: 1, Pitch: 2, Node: &sceneNode{}, Owner: "me", Target: "t1", secret: 7})
	require.NoError(t, err)
	require.Equal(t, []string{"Pitch", "Yaw", "target"}, p.Keys())
	_, tagged := p.Tag()
	require.False(t, tagged)
}

func TestSerializer_ExcludesConfiguredFieldNames(t *testing.T) {
	s := NewSerializer(WithSchema(NewSchema(Exclusions{Fields: []string{"Z"}})), WithTypeTags(false))

	p, err := s.SerializePayload(Position{X: 1, Y: 2, Z: 3})
	require.NoError(t, err)
	require.Equal(t, []string{"X", "Y"}, p.Keys())
}

func TestSerializer_TypeTags(t *testing.T) {
	s := NewSerializer()

	p, err := s.SerializePayload(&Velocity{X: 1})
	require.NoError(t, err)
	name, ok := p.Tag()
	require.True(t, ok)
	require.Equal(t, "velocity", name)

	p, err = s.SerializePayload(Position{})
	require.NoError(t, err)
	name, ok = p.Tag()
	require.True(t, ok)
	require.Equal(t, "Position", name)
}

func TestSerializer_RejectsNonStruct(t *testing.T) {
	s := NewSerializer()

	_, err := s.Serialize(42)
	require.ErrorIs(t, err, ErrNotStruct)

	var nilPos *Position
	_, err = s.Serialize(nilPos)
	require.ErrorIs(t, err, ErrNotStruct)
}

func TestSerializeDeserialize(t *testing.T) {
	s := NewSerializer()

	data, err := s.Serialize(&Health{Current: 5, Max: 9})
	require.NoError(t, err)

	h, err := Deserialize[Health](data)
	require.NoError(t, err)
	require.Equal(t, Health{Current: 5, Max: 9}, h)

	hp, err := Deserialize[*Health](data)
	require.NoError(t, err)
	require.Equal(t, 9, hp.Max)

	_, err = Deserialize[Health]([]byte(`{"current":`))
	require.ErrorIs(t, err, ErrDeserialization)
}

func TestSerializer_Wrap(t *testing.T) {
	s := NewSerializer()

	w, err := s.Wrap("g1", &Position{X: 1}, Health{Max: 3})
	require.NoError(t, err)
	require.Equal(t, "g1", w.Guid)
	require.Len(t, w.GameObjects, 2)

	_, err = s.Wrap("", &Position{})
	require.ErrorIs(t, err, ErrEmptyGUID)
}

func TestTypeRegistry_Register(t *testing.T) {
	r := newRegistry(t, Exclusions{})

	require.ErrorIs(t, Register[Position](r), ErrTypeAlreadyRegistered)
	require.ErrorIs(t, RegisterNamed[Position](r, "other"), ErrTypeAlreadyRegistered)
	require.ErrorIs(t, r.RegisterValue(3), ErrNotStruct)

	target, ok := r.Lookup("Turret")
	require.True(t, ok)
	require.Equal(t, []string{"Yaw", "Pitch", "Body", "target"}, target.Properties)

	require.IsType(t, &Turret{}, target.New())

	health, ok := r.TargetOf(&Health{})
	require.True(t, ok)
	require.Equal(t, "Health", health.Name)
}

func TestIdentifyBestTypeMatch(t *testing.T) {
	r := newRegistry(t, Exclusions{})

	t.Run("full overlap wins", func(t *testing.T) {
		m, ok := r.IdentifyBestTypeMatch(Payload{"X": nil, "Y": nil, "Z": nil})
		require.True(t, ok)
		require.Equal(t, "Position", m.Target.Name)
		require.Equal(t, 1.0, m.Score)
	})

	t.Run("fraction of declared properties", func(t *testing.T) {
		m, _ := r.IdentifyBestTypeMatch(Payload{"current": nil})
		require.Equal(t, "Health", m.Target.Name)
		require.Equal(t, 0.5, m.Score)
	})

	t.Run("zero overlap returns first registered with zero score", func(t *testing.T) {
		m, ok := r.IdentifyBestTypeMatch(Payload{"unknown": nil})
		require.True(t, ok)
		require.Equal(t, "Position", m.Target.Name)
		require.Zero(t, m.Score)
	})

	t.Run("empty registry", func(t *testing.T) {
		_, ok := NewTypeRegistry(nil).IdentifyBestTypeMatch(Payload{"X": nil})
		require.False(t, ok)
	})
}

func TestIdentifyBestTypeMatch_TieBreakIsRegistrationOrder(t *testing.T) {
	r := NewTypeRegistry(nil)
	require.NoError(t, Register[Position](r))
	require.NoError(t, Register[Velocity](r))

	p := Payload{"X": nil, "Y": nil, "Z": nil}
	for i := 0; i < 100; i++ {
		m, ok := r.IdentifyBestTypeMatch(p)
		require.True(t, ok)
		require.Equal(t, "Position", m.Target.Name)
	}

	r2 := NewTypeRegistry(nil)
	require.NoError(t, Register[Velocity](r2))
	require.NoError(t, Register[Position](r2))
	m, _ := r2.IdentifyBestTypeMatch(p)
	require.Equal(t, "velocity", m.Target.Name)
}

func TestScore_Monotonic(t *testing.T) {
	target := SerializationTarget{Name: "Position", Properties: []string{"X", "Y", "Z"}}
	p := Payload{"noise": nil}

	prev := Score(target, p)
	for _, key := range target.Properties {
		p[key] = nil
		next := Score(target, p)
		require.GreaterOrEqual(t, next, prev)
		prev = next
	}
	require.Equal(t, 1.0, prev)

	require.Zero(t, Score(SerializationTarget{}, p))
}

func TestScore_MatchesKeysLikeTheUpdater(t *testing.T) {
	r := newRegistry(t, Exclusions{})

	cases := map[string]struct {
		payload Payload
		want    string
	}{
		"lower-case property names": {Payload{"x": nil, "y": nil, "z": nil}, "Position"},
		"go name for a tagged field": {Payload{"Current": nil, "MAX": nil}, "Health"},
		"wire name in upper case":    {Payload{"TARGET": nil, "yaw": nil, "pitch": nil, "body": nil}, "Turret"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			m, err := r.Resolve(tc.payload, 0)
			require.NoError(t, err)
			require.Equal(t, tc.want, m.Target.Name)
			require.Equal(t, 1.0, m.Score)

			for key := range tc.payload {
				_, ok := r.schema.Field(m.Target.Type, key)
				require.True(t, ok, "scored key %q must be assignable", key)
			}
		})
	}

	_, err := r.Resolve(Payload{"Owner": nil, "secret": nil}, 0)
	require.ErrorIs(t, err, ErrTypeMatchAmbiguous, "excluded fields never score")
}

func TestResolve(t *testing.T) {
	r := newRegistry(t, Exclusions{})
	require.NoError(t, Register[Velocity](r))

	t.Run("tag wins over heuristic", func(t *testing.T) {
		m, err := r.Resolve(Payload{"X": nil, "Y": nil, "Z": nil, TypeKey: json.RawMessage(`"velocity"`)}, 0)
		require.NoError(t, err)
		require.True(t, m.Tagged)
		require.Equal(t, "velocity", m.Target.Name)
	})

	t.Run("unknown tag falls back", func(t *testing.T) {
		m, err := r.Resolve(Payload{"X": nil, TypeKey: json.RawMessage(`"Gone"`)}, 0)
		require.NoError(t, err)
		require.False(t, m.Tagged)
		require.Equal(t, "Position", m.Target.Name)
	})

	t.Run("zero score is ambiguous", func(t *testing.T) {
		_, err := r.Resolve(Payload{"nope": nil}, 0)
		require.ErrorIs(t, err, ErrTypeMatchAmbiguous)
	})

	t.Run("below minimum is ambiguous", func(t *testing.T) {
		_, err := r.Resolve(Payload{"X": nil}, 0.5)
		var tme *TypeMatchError
		require.ErrorAs(t, err, &tme)
		require.Equal(t, "Position", tme.Best)
	})

	t.Run("empty registry", func(t *testing.T) {
		_, err := NewTypeRegistry(nil).Resolve(Payload{"X": nil}, 0)
		require.ErrorIs(t, err, ErrNoTargets)
	})
}

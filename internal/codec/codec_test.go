package codec

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/dbcgate/internal/dbc"
)

func fixture(t *testing.T, name string) *dbc.Fragment {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "..", "testdata", "fragments", name))
	require.NoError(t, err)
	frag, err := dbc.Parse(name, string(data))
	require.NoError(t, err)
	return frag
}

func message(t *testing.T, name string, id uint32) *dbc.Message {
	t.Helper()
	m := fixture(t, name).Message(id)
	require.NotNil(t, m)
	return m
}

func TestDecodeGearboxFieldsAreIndependent(t *testing.T) {
	m := message(t, "_honda_common.dbc", 401)
	// Bits outside the declared fields are set to show they do not leak.
	frame := []byte{0xC8, 0xFF, 0xFF, 0x11, 0x03, 0xFF, 0xFF, 0xEA}

	raw, err := DecodeRaw(m, frame)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		"GEAR_SHIFTER": 8,
		"GEAR2":        0x11,
		"GEAR":         3,
		"COUNTER":      2,
		"CHECKSUM":     0xA,
	}, raw)

	frame[4] = 0x07
	raw, err = DecodeRaw(m, frame)
	require.NoError(t, err)
	assert.Equal(t, int64(7), raw["GEAR"])
	assert.Equal(t, int64(0x11), raw["GEAR2"])
	assert.Equal(t, int64(8), raw["GEAR_SHIFTER"])
}

func TestDecodeSignedScaled(t *testing.T) {
	m := message(t, "_honda_common.dbc", 892)
	frame := make([]byte, 8)
	frame[3] = 0xF6

	vals, err := Decode(m, frame)
	require.NoError(t, err)
	assert.InDelta(t, -1.0, vals["CRUISE_SPEED_OFFSET"], 1e-9)
}

func TestEncodeBigEndianWord(t *testing.T) {
	m := message(t, "_steering_sensors.dbc", 330)
	frame, err := Encode(m, map[string]float64{
		"STEER_ANGLE":      12.5,
		"STEER_ANGLE_RATE": 0,
		"COUNTER":          1,
		"CHECKSUM":         0,
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0x83, 0x00, 0x00, 0x00, 0x10}, frame)
}

func TestEncodeLittleEndian(t *testing.T) {
	m := message(t, "honda_civic.dbc", 1024)
	frame, err := Encode(m, map[string]float64{
		"WHEEL_SPEED": 123.45,
		"DOOR_OPEN":   1,
		"CABIN_TEMP":  20,
		"LIGHTS":      2,
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x39, 0xB0, 0x3C, 0x02}, frame)

	vals, err := Decode(m, frame)
	require.NoError(t, err)
	assert.InDelta(t, 123.45, vals["WHEEL_SPEED"], 1e-9)
	assert.Equal(t, 1.0, vals["DOOR_OPEN"])
	assert.Equal(t, 20.0, vals["CABIN_TEMP"])
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, name := range []string{"_honda_common.dbc", "_steering_sensors.dbc", "honda_civic.dbc"} {
		for _, m := range fixture(t, name).Messages {
			m := m
			t.Run(m.Name, func(t *testing.T) {
				for iter := 0; iter < 200; iter++ {
					want := make(map[string]int64, len(m.Signals))
					phys := make(map[string]float64, len(m.Signals))
					for _, sig := range m.Signals {
						lo, hi := sig.RawRange()
						span := int64(hi) - lo + 1
						raw := lo + rng.Int63n(span)
						want[sig.Name] = raw
						phys[sig.Name] = float64(raw)*sig.Scale + sig.Offset
					}
					frame, err := Encode(m, phys, Options{})
					require.NoError(t, err)
					require.Len(t, frame, m.Length)

					got, err := DecodeRaw(m, frame)
					require.NoError(t, err)
					require.Equal(t, want, got)

					vals, err := Decode(m, frame)
					require.NoError(t, err)
					for name, v := range phys {
						assert.InDelta(t, v, vals[name], 1e-6)
					}
				}
			})
		}
	}
}

func TestEncodeOutOfRange(t *testing.T) {
	gearbox := message(t, "_honda_common.dbc", 401)
	cruise := message(t, "_honda_common.dbc", 892)
	sig := gearbox.Signal("GEAR_SHIFTER")
	signed := cruise.Signal("CRUISE_SPEED_OFFSET")

	_, err := ToRaw(sig, 64, false)
	assert.True(t, errors.Is(err, ErrOutOfRange))
	_, err = ToRaw(sig, -1, false)
	assert.True(t, errors.Is(err, ErrOutOfRange))
	_, err = ToRaw(signed, 12.8, false)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	bits, err := ToRaw(sig, 64, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(63), bits)
	bits, err = ToRaw(sig, -5, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), bits)
	bits, err = ToRaw(signed, 12.8, true)
	require.NoError(t, err)
	assert.InDelta(t, 12.7, ToPhysical(signed, bits), 1e-9)
	bits, err = ToRaw(signed, -20, true)
	require.NoError(t, err)
	assert.InDelta(t, -12.8, ToPhysical(signed, bits), 1e-9)

	values := map[string]float64{"GEAR_SHIFTER": 100, "GEAR2": 0, "GEAR": 0, "COUNTER": 0, "CHECKSUM": 0}
	_, err = Encode(gearbox, values, Options{})
	var cerr *CodecError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, uint32(401), cerr.MessageID)
	assert.Equal(t, "GEAR_SHIFTER", cerr.Signal)

	frame, err := Encode(gearbox, values, Options{Clamp: true})
	require.NoError(t, err)
	assert.Equal(t, byte(0x3F), frame[0])
}

func TestEncodeSignalSet(t *testing.T) {
	m := message(t, "_honda_common.dbc", 401)

	_, err := Encode(m, map[string]float64{"GEAR": 1}, Options{})
	assert.True(t, errors.Is(err, ErrMissingSignal))

	_, err = Encode(m, map[string]float64{"GEAR": 1, "BOGUS": 1}, Options{})
	assert.True(t, errors.Is(err, ErrUnknownSignal))

	frame, err := Encode(m, map[string]float64{"GEAR_SHIFTER": 8, "GEAR2": 0, "GEAR": 4},
		Options{Auto: []string{"COUNTER", "CHECKSUM"}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x08, 0, 0, 0, 0x04, 0, 0, 0}, frame)
}

func TestEncodeRaw(t *testing.T) {
	m := message(t, "_honda_common.dbc", 892)
	frame, err := EncodeRaw(m, map[string]int64{"CRUISE_SPEED_OFFSET": -10, "COUNTER": 3})
	require.NoError(t, err)
	assert.Equal(t, byte(0xF6), frame[3])
	assert.Equal(t, byte(0x30), frame[7])

	_, err = EncodeRaw(m, map[string]int64{"COUNTER": 4})
	assert.True(t, errors.Is(err, ErrOutOfRange))
	_, err = EncodeRaw(m, map[string]int64{"NOPE": 4})
	assert.True(t, errors.Is(err, ErrUnknownSignal))
}

func TestDecodeLengthMismatch(t *testing.T) {
	m := message(t, "_honda_common.dbc", 401)
	_, err := Decode(m, make([]byte, 7))
	assert.True(t, errors.Is(err, ErrLengthMismatch))
	_, err = DecodeRaw(m, make([]byte, 9))
	assert.True(t, errors.Is(err, ErrLengthMismatch))
}

func TestInsertPreservesNeighbours(t *testing.T) {
	sig := &dbc.Signal{Name: "C", StartBit: 61, Length: 2, Order: dbc.BigEndian}
	data := []byte{0xFF}
	data = append(make([]byte, 7), data...)
	Insert(sig, data, 0)
	assert.Equal(t, byte(0xCF), data[7])
	Insert(sig, data, 2)
	assert.Equal(t, byte(0xEF), data[7])
	assert.Equal(t, uint64(2), Extract(sig, data))
}

package protocol_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-realtime-rooms/internal/protocol"
	apperrors "github.com/koopa0/system-design/14-realtime-rooms/pkg/errors"
)

func newFramer(t *testing.T, codec string, compress bool) *protocol.Framer {
	t.Helper()
	c, err := protocol.NewCodec(codec)
	require.NoError(t, err)
	return protocol.NewFramer(c, protocol.FramerOptions{
		Compress:          compress,
		CompressThreshold: 64,
		MaxMessageSize:    4096,
	})
}

// TestDecode_Classification 測試入站訊息分類
func TestDecode_Classification(t *testing.T) {
	f := newFramer(t, "json", false)

	tests := []struct {
		name     string
		data     string
		wantKind protocol.Kind
		wantErr  string
	}{
		{
			name:     "state update",
			data:     `{"type":"state","state":{"pos":[1,2,3],"rot":0.5,"action":7}}`,
			wantKind: protocol.KindStateUpdate,
		},
		{
			name:     "join",
			data:     `{"type":"join","join":{"room":"castle","name":"mario"}}`,
			wantKind: protocol.KindFlagEvent,
		},
		{
			name:     "leave",
			data:     `{"type":"leave"}`,
			wantKind: protocol.KindFlagEvent,
		},
		{
			name:     "skin",
			data:     `{"type":"skin","skin":{"hat":{"random":true}}}`,
			wantKind: protocol.KindFlagEvent,
		},
		{
			name:     "chat",
			data:     `{"type":"chat","chat":"hello"}`,
			wantKind: protocol.KindChat,
		},
		{
			name:     "ping",
			data:     `{"type":"ping"}`,
			wantKind: protocol.KindPing,
		},
		{
			name:    "state without payload",
			data:    `{"type":"state"}`,
			wantErr: apperrors.ErrCodeProtocol,
		},
		{
			name:    "join without room",
			data:    `{"type":"join","join":{}}`,
			wantErr: apperrors.ErrCodeProtocol,
		},
		{
			name:    "unknown type",
			data:    `{"type":"teleport"}`,
			wantErr: apperrors.ErrCodeProtocol,
		},
		{
			name:    "not json",
			data:    `{"type":`,
			wantErr: apperrors.ErrCodeProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := f.Decode(protocol.Frame{Data: []byte(tt.data)})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, apperrors.CodeOf(err))
				assert.True(t, apperrors.IsProtocolError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, protocol.Classify(in))
		})
	}
}

// TestFramer_Compression 測試超過門檻的訊息會被壓縮
func TestFramer_Compression(t *testing.T) {
	f := newFramer(t, "json", true)

	small := &protocol.Outbound{Type: protocol.TypePong}
	frame, err := f.Encode(small)
	require.NoError(t, err)
	assert.False(t, frame.Binary, "small JSON frames stay text")

	big := &protocol.Outbound{Type: protocol.TypeData, Tick: 9}
	for i := 0; i < 20; i++ {
		big.Players = append(big.Players, protocol.PlayerSnapshot{ID: uint32(i + 1), Name: "player"})
	}
	frame, err = f.Encode(big)
	require.NoError(t, err)
	require.True(t, frame.Binary)
	assert.Equal(t, byte(1), frame.Data[0])

	decoded, err := f.DecodeOutbound(frame)
	require.NoError(t, err)
	assert.Equal(t, big.Players, decoded.Players)
	assert.Equal(t, uint64(9), decoded.Tick)
}

// TestFramer_Msgpack 測試 msgpack 編解碼器使用二進位訊息
func TestFramer_Msgpack(t *testing.T) {
	f := newFramer(t, "msgpack", false)

	frame, err := f.EncodeInbound(&protocol.Inbound{
		Type:  protocol.TypeState,
		State: &protocol.PlayerState{Position: [3]float32{1, 2, 3}, Extra: []byte{0xAA}},
	})
	require.NoError(t, err)
	require.True(t, frame.Binary)
	assert.Equal(t, byte(0), frame.Data[0])

	in, err := f.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindStateUpdate, protocol.Classify(in))
	assert.Equal(t, [3]float32{1, 2, 3}, in.State.Position)
	assert.Equal(t, []byte{0xAA}, in.State.Extra)

	out, err := f.Encode(protocol.Welcome(42, "lobby"))
	require.NoError(t, err)
	decoded, err := f.DecodeOutbound(out)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), decoded.ID)
	assert.Equal(t, protocol.TypeWelcome, decoded.Type)
}

// TestDecode_Limits 測試訊息大小限制與壓縮炸彈
func TestDecode_Limits(t *testing.T) {
	f := newFramer(t, "json", true)

	_, err := f.Decode(protocol.Frame{Data: bytes.Repeat([]byte("a"), 5000)})
	assert.ErrorIs(t, err, apperrors.ErrMessageTooLarge)

	// 小封包解壓後超過上限
	var buf bytes.Buffer
	buf.WriteByte(1)
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	require.NoError(t, err)
	_, err = w.Write([]byte(`{"type":"chat","chat":"` + strings.Repeat("x", 10000) + `"}`))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.Less(t, buf.Len(), 4096)

	_, err = f.Decode(protocol.Frame{Binary: true, Data: buf.Bytes()})
	assert.ErrorIs(t, err, apperrors.ErrMessageTooLarge)

	_, err = f.Decode(protocol.Frame{Binary: true, Data: []byte{7, '{', '}'}})
	assert.True(t, apperrors.IsProtocolError(err))

	_, err = f.Decode(protocol.Frame{Binary: true})
	assert.True(t, apperrors.IsProtocolError(err))
}

// TestValidateSkin 測試外觀驗證
func TestValidateSkin(t *testing.T) {
	rgb := protocol.SkinPart{RGB: []int{0, 255, 10, 20, 30, 40}}
	valid := protocol.Skin{
		Overalls: rgb, Hat: rgb, Shirt: rgb, Gloves: rgb,
		Boots: rgb, Skin: protocol.SkinPart{Random: true}, Hair: rgb,
	}
	assert.NoError(t, protocol.ValidateSkin(&valid))

	tests := []struct {
		name   string
		mutate func(*protocol.Skin)
	}{
		{name: "short rgb", mutate: func(s *protocol.Skin) { s.Hat = protocol.SkinPart{RGB: []int{1, 2, 3}} }},
		{name: "out of range", mutate: func(s *protocol.Skin) { s.Hair = protocol.SkinPart{RGB: []int{0, 0, 0, 0, 0, 256}} }},
		{name: "negative", mutate: func(s *protocol.Skin) { s.Boots = protocol.SkinPart{RGB: []int{-1, 0, 0, 0, 0, 0}} }},
		{name: "empty part", mutate: func(s *protocol.Skin) { s.Gloves = protocol.SkinPart{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			assert.Error(t, protocol.ValidateSkin(&s))
		})
	}

	assert.Error(t, protocol.ValidateSkin(nil))
}

func TestValidateRoomKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{key: "world-1"},
		{key: "世界"},
		{key: strings.Repeat("a", protocol.MaxRoomKeyLength)},
		{key: "", wantErr: true},
		{key: "tab\there", wantErr: true},
		{key: "bad\x00key", wantErr: true},
		{key: "del\x7f", wantErr: true},
		{key: strings.Repeat("a", protocol.MaxRoomKeyLength+1), wantErr: true},
	}

	for _, tt := range tests {
		err := protocol.ValidateRoomKey(tt.key)
		if tt.wantErr {
			assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err), "key %q: got %v", tt.key, err)
		} else {
			assert.NoError(t, err, "key %q", tt.key)
		}
	}
}

// TestValidateName 測試名稱長度
func TestValidateName(t *testing.T) {
	assert.Error(t, protocol.ValidateName("ab"))
	assert.NoError(t, protocol.ValidateName("abc"))
	assert.NoError(t, protocol.ValidateName("瑪利歐兄弟"))
	assert.NoError(t, protocol.ValidateName(strings.Repeat("m", 14)))
	assert.Error(t, protocol.ValidateName(strings.Repeat("m", 15)))
}

// TestSanitizeChat 測試聊天內容清理
func TestSanitizeChat(t *testing.T) {
	text, ok := protocol.SanitizeChat("<b>hi</b>")
	assert.True(t, ok)
	assert.Equal(t, "bhi/b", text)

	_, ok = protocol.SanitizeChat("<>")
	assert.False(t, ok)

	text, ok = protocol.SanitizeChat(strings.Repeat("é", 250))
	assert.True(t, ok)
	assert.Equal(t, 200, len([]rune(text)))
}

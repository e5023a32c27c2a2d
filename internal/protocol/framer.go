package protocol

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"

	apperrors "github.com/koopa0/system-design/14-realtime-rooms/pkg/errors"
)

// 二進位訊息的第一個位元組
const (
	headerPlain   byte = 0
	headerDeflate byte = 1
)

// Frame 一個待送出或已收到的 WebSocket 訊息
type Frame struct {
	Binary bool
	Data   []byte
}

// FramerOptions 框架選項
type FramerOptions struct {
	Compress          bool
	CompressThreshold int
	MaxMessageSize    int64
}

// Framer 在 Outbound/Inbound 與 Frame 之間轉換
//
// 文字訊息一律是未壓縮的 JSON。二進位訊息以一個位元組標示內容是否經過 deflate，
// 其後是編解碼器的輸出；JSON 編解碼器在超過壓縮門檻時也改用二進位訊息。
type Framer struct {
	codec Codec
	opts  FramerOptions

	writers sync.Pool
}

// NewFramer 建立 Framer
func NewFramer(codec Codec, opts FramerOptions) *Framer {
	if codec == nil {
		codec = JSONCodec{}
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	return &Framer{codec: codec, opts: opts}
}

// Codec 回傳使用中的編解碼器
func (f *Framer) Codec() Codec {
	return f.codec
}

// Encode 將出站訊息編碼為 Frame
func (f *Framer) Encode(out *Outbound) (Frame, error) {
	payload, err := f.codec.Marshal(out)
	if err != nil {
		return Frame{}, err
	}

	if f.opts.Compress && len(payload) > f.opts.CompressThreshold {
		compressed, err := f.deflate(payload)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Binary: true, Data: compressed}, nil
	}

	if !f.codec.Binary() {
		return Frame{Data: payload}, nil
	}

	data := make([]byte, 0, len(payload)+1)
	data = append(data, headerPlain)
	data = append(data, payload...)
	return Frame{Binary: true, Data: data}, nil
}

// Decode 將收到的訊息解碼為入站訊息並分類
func (f *Framer) Decode(frame Frame) (*Inbound, error) {
	if int64(len(frame.Data)) > f.opts.MaxMessageSize {
		return nil, apperrors.ErrMessageTooLarge
	}

	codec := f.codec
	payload := frame.Data
	if frame.Binary {
		if len(payload) == 0 {
			return nil, apperrors.ErrMalformedFrame.WithDetails("empty binary frame")
		}
		switch payload[0] {
		case headerPlain:
			payload = payload[1:]
		case headerDeflate:
			inflated, err := f.inflate(payload[1:])
			if err != nil {
				return nil, err
			}
			payload = inflated
		default:
			return nil, apperrors.ErrMalformedFrame.WithDetails("unknown frame header")
		}
	} else {
		codec = JSONCodec{}
	}

	var in Inbound
	if err := codec.Unmarshal(payload, &in); err != nil {
		return nil, apperrors.ErrMalformedFrame.WithDetails(err.Error())
	}

	if Classify(&in) == KindMalformed {
		if in.Type == "" {
			return nil, apperrors.ErrMalformedFrame.WithDetails("missing type")
		}
		return nil, apperrors.ErrUnknownMessage.WithDetails(in.Type)
	}
	return &in, nil
}

func (f *Framer) deflate(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(payload)/2 + 1)
	buf.WriteByte(headerDeflate)

	w, _ := f.writers.Get().(*flate.Writer)
	if w == nil {
		var err error
		w, err = flate.NewWriter(&buf, flate.BestSpeed)
		if err != nil {
			return nil, err
		}
	} else {
		w.Reset(&buf)
	}
	defer f.writers.Put(w)

	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// inflate 解壓縮時限制輸出大小，避免壓縮炸彈
func (f *Framer) inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, f.opts.MaxMessageSize+1))
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, apperrors.ErrMalformedFrame.WithDetails("truncated deflate stream")
	}
	if err != nil {
		return nil, apperrors.ErrMalformedFrame.WithDetails(err.Error())
	}
	if int64(len(out)) > f.opts.MaxMessageSize {
		return nil, apperrors.ErrMessageTooLarge
	}
	return out, nil
}

// Inflate 還原二進位訊息的內容（客戶端與測試使用）
func Inflate(frame Frame) ([]byte, error) {
	if !frame.Binary {
		return frame.Data, nil
	}
	if len(frame.Data) == 0 {
		return nil, apperrors.ErrMalformedFrame
	}
	switch frame.Data[0] {
	case headerPlain:
		return frame.Data[1:], nil
	case headerDeflate:
		r := flate.NewReader(bytes.NewReader(frame.Data[1:]))
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, apperrors.ErrMalformedFrame
	}
}

// DecodeOutbound 解碼出站訊息（客戶端與測試使用）
func (f *Framer) DecodeOutbound(frame Frame) (*Outbound, error) {
	payload, err := Inflate(frame)
	if err != nil {
		return nil, err
	}
	codec := f.codec
	if !frame.Binary {
		codec = JSONCodec{}
	}
	var out Outbound
	if err := codec.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EncodeInbound 編碼入站訊息（客戶端與測試使用）
func (f *Framer) EncodeInbound(in *Inbound) (Frame, error) {
	payload, err := f.codec.Marshal(in)
	if err != nil {
		return Frame{}, err
	}
	if !f.codec.Binary() {
		return Frame{Data: payload}, nil
	}
	return Frame{Binary: true, Data: append([]byte{headerPlain}, payload...)}, nil
}

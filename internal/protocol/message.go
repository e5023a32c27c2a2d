// Package protocol 定義客戶端與伺服器之間的訊息格式
//
// 入站訊息分為三類：狀態更新、旗標事件（加入、離開、外觀變更）與格式錯誤。
// 出站訊息分為資料廣播與外觀廣播，另有 welcome、pong、error 等控制訊息。
package protocol

// 入站訊息類型
const (
	TypeState = "state"
	TypeJoin  = "join"
	TypeLeave = "leave"
	TypeSkin  = "skin"
	TypeChat  = "chat"
	TypePing  = "ping"
)

// 出站訊息類型
const (
	TypeWelcome = "welcome"
	TypeData    = "data"
	TypeSkins   = "skins"
	TypePong    = "pong"
	TypeError   = "error"
)

// Kind 入站訊息分類
type Kind int

const (
	KindMalformed Kind = iota
	KindStateUpdate
	KindFlagEvent
	KindChat
	KindPing
)

func (k Kind) String() string {
	switch k {
	case KindStateUpdate:
		return "state-update"
	case KindFlagEvent:
		return "flag-event"
	case KindChat:
		return "chat"
	case KindPing:
		return "ping"
	default:
		return "malformed"
	}
}

// PlayerState 玩家狀態，伺服器只轉發不解讀
type PlayerState struct {
	Position [3]float32 `json:"pos" msgpack:"pos"`
	Rotation float32    `json:"rot" msgpack:"rot"`
	Action   uint32     `json:"action" msgpack:"action"`
	Flags    uint32     `json:"flags" msgpack:"flags"`
	Extra    []byte     `json:"extra,omitempty" msgpack:"extra,omitempty"`
}

// SkinPart 外觀的一個部位：隨機或 6 個 0..255 的色值
type SkinPart struct {
	Random bool  `json:"random,omitempty" msgpack:"random,omitempty"`
	RGB    []int `json:"rgb,omitempty" msgpack:"rgb,omitempty"`
}

// Skin 玩家外觀
type Skin struct {
	Overalls SkinPart `json:"overalls" msgpack:"overalls"`
	Hat      SkinPart `json:"hat" msgpack:"hat"`
	Shirt    SkinPart `json:"shirt" msgpack:"shirt"`
	Gloves   SkinPart `json:"gloves" msgpack:"gloves"`
	Boots    SkinPart `json:"boots" msgpack:"boots"`
	Skin     SkinPart `json:"skin" msgpack:"skin"`
	Hair     SkinPart `json:"hair" msgpack:"hair"`
}

// JoinRequest 加入房間請求
type JoinRequest struct {
	Room string `json:"room" msgpack:"room"`
	Name string `json:"name,omitempty" msgpack:"name,omitempty"`
}

// Inbound 入站訊息
type Inbound struct {
	Type  string       `json:"type" msgpack:"type"`
	State *PlayerState `json:"state,omitempty" msgpack:"state,omitempty"`
	Join  *JoinRequest `json:"join,omitempty" msgpack:"join,omitempty"`
	Skin  *Skin        `json:"skin,omitempty" msgpack:"skin,omitempty"`
	Chat  string       `json:"chat,omitempty" msgpack:"chat,omitempty"`
	Name  string       `json:"name,omitempty" msgpack:"name,omitempty"`
}

// Classify 判斷入站訊息的類別，缺少必要內容視為格式錯誤
func Classify(in *Inbound) Kind {
	if in == nil {
		return KindMalformed
	}
	switch in.Type {
	case TypeState:
		if in.State == nil {
			return KindMalformed
		}
		return KindStateUpdate
	case TypeJoin:
		if in.Join == nil || in.Join.Room == "" {
			return KindMalformed
		}
		return KindFlagEvent
	case TypeLeave:
		return KindFlagEvent
	case TypeSkin:
		if in.Skin == nil {
			return KindMalformed
		}
		return KindFlagEvent
	case TypeChat:
		return KindChat
	case TypePing:
		return KindPing
	default:
		return KindMalformed
	}
}

// PlayerSnapshot 廣播中的單一玩家
type PlayerSnapshot struct {
	ID    uint32      `json:"id" msgpack:"id"`
	Name  string      `json:"name" msgpack:"name"`
	State PlayerState `json:"state" msgpack:"state"`
}

// SkinSnapshot 外觀廣播中的單一玩家
type SkinSnapshot struct {
	ID   uint32 `json:"id" msgpack:"id"`
	Skin Skin   `json:"skin" msgpack:"skin"`
}

// ChatLine 聊天訊息
type ChatLine struct {
	ID   uint32 `json:"id" msgpack:"id"`
	Name string `json:"name" msgpack:"name"`
	Text string `json:"text" msgpack:"text"`
}

// ErrorBody 錯誤訊息內容
type ErrorBody struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// Outbound 出站訊息
type Outbound struct {
	Type    string           `json:"type" msgpack:"type"`
	ID      uint32           `json:"id,omitempty" msgpack:"id,omitempty"`
	Room    string           `json:"room,omitempty" msgpack:"room,omitempty"`
	Tick    uint64           `json:"tick,omitempty" msgpack:"tick,omitempty"`
	Players []PlayerSnapshot `json:"players,omitempty" msgpack:"players,omitempty"`
	Skins   []SkinSnapshot   `json:"skins,omitempty" msgpack:"skins,omitempty"`
	Chat    []ChatLine       `json:"chat,omitempty" msgpack:"chat,omitempty"`
	Error   *ErrorBody       `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Welcome 建立連線後的第一個訊息
func Welcome(id uint32, room string) *Outbound {
	return &Outbound{Type: TypeWelcome, ID: id, Room: room}
}

// Pong 回應應用層心跳
func Pong() *Outbound {
	return &Outbound{Type: TypePong}
}

// ErrorMessage 關閉連線前送出的錯誤訊息
func ErrorMessage(code, message string) *Outbound {
	return &Outbound{Type: TypeError, Error: &ErrorBody{Code: code, Message: message}}
}

// =============================================================================
// 文件: internal/command/args.go
// 描述: 游戏命令参数 - 带类型标签的异构参数槽
// =============================================================================
package command

import "fmt"

// ArgType 参数类型
type ArgType uint8

const (
	ArgInteger ArgType = iota
	ArgReal
	ArgBoolean
	ArgObjectID
	ArgDrawableID
	ArgTeamID
	ArgLocation
	ArgPixel
	ArgPixelRegion
	ArgTimestamp
	ArgWideChar

	argTypeCount
)

var argNames = [argTypeCount]string{
	"Integer", "Real", "Boolean", "ObjectID", "DrawableID", "TeamID",
	"Location", "Pixel", "PixelRegion", "Timestamp", "WideChar",
}

// Valid 参数类型是否已知
func (t ArgType) Valid() bool {
	return t < argTypeCount
}

func (t ArgType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("ArgType(%d)", uint8(t))
	}
	return argNames[t]
}

// Arg 单个参数，只有与 Type 对应的字段有效
type Arg struct {
	Type     ArgType
	Int      int32
	Real     float32
	Bool     bool
	ID       uint32 // ObjectID / DrawableID / TeamID / Timestamp
	Char     uint16
	Location [3]float32
	Pixel    [2]int32
	Region   [4]int32 // lo.x lo.y hi.x hi.y
}

func IntArg(v int32) Arg { return Arg{Type: ArgInteger, Int: v} }
func RealArg(v float32) Arg { return Arg{Type: ArgReal, Real: v} }
func BoolArg(v bool) Arg { return Arg{Type: ArgBoolean, Bool: v} }
func ObjectArg(id uint32) Arg { return Arg{Type: ArgObjectID, ID: id} }
func DrawableArg(id uint32) Arg { return Arg{Type: ArgDrawableID, ID: id} }
func TeamArg(id uint32) Arg { return Arg{Type: ArgTeamID, ID: id} }
func TimestampArg(ts uint32) Arg { return Arg{Type: ArgTimestamp, ID: ts} }
func WideCharArg(c uint16) Arg { return Arg{Type: ArgWideChar, Char: c} }
func PixelArg(x, y int32) Arg { return Arg{Type: ArgPixel, Pixel: [2]int32{x, y}} }
func LocationArg(x, y, z float32) Arg {
	return Arg{Type: ArgLocation, Location: [3]float32{x, y, z}}
}
func RegionArg(loX, loY, hiX, hiY int32) Arg {
	return Arg{Type: ArgPixelRegion, Region: [4]int32{loX, loY, hiX, hiY}}
}

// ArgRun 同类型参数的连续段，线上以 (类型, 数量) 对声明
type ArgRun struct {
	Type  ArgType
	Count uint8
}

// Runs 将参数表切分为同类型连续段
func Runs(args []Arg) []ArgRun {
	var runs []ArgRun
	for _, a := range args {
		n := len(runs)
		if n > 0 && runs[n-1].Type == a.Type && runs[n-1].Count < 0xff {
			runs[n-1].Count++
			continue
		}
		runs = append(runs, ArgRun{Type: a.Type, Count: 1})
	}
	return runs
}

// GameMessage 模拟层消息，网络层只负责搬运
type GameMessage struct {
	Type     uint32
	PlayerID uint8
	Frame    uint32
	Args     []Arg
}

// NewGameCommand 由模拟层消息构造网络命令
func NewGameCommand(msg GameMessage) *Command {
	return &Command{
		Type:           TypeGameCommand,
		PlayerID:       msg.PlayerID,
		ExecutionFrame: msg.Frame,
		Body:           &GameCommandBody{MessageType: msg.Type, Args: msg.Args},
	}
}

// GameMessage 还原模拟层消息
func (c *Command) GameMessage() (GameMessage, bool) {
	body, ok := c.Body.(*GameCommandBody)
	if !ok {
		return GameMessage{}, false
	}
	return GameMessage{
		Type:     body.MessageType,
		PlayerID: c.PlayerID,
		Frame:    c.ExecutionFrame,
		Args:     body.Args,
	}, true
}

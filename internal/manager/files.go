// =============================================================================
// 文件: internal/manager/files.go
// 描述: 文件传输 - 预告、分块进度、落盘与进度广播
// =============================================================================
package manager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mrcgq/lockstep/internal/command"
)

var (
	ErrEmptyFile   = errors.New("文件为空")
	ErrFileTooBig  = errors.New("文件超过大小上限")
	ErrBadFileName = errors.New("文件名无效")
)

// fileTransfers 按文件 ID 记录的传输状态
type fileTransfers struct {
	names      map[uint16]string
	recipients map[uint16]uint8
	progress   [command.MaxSlots]map[uint16]int
}

func newFileTransfers() *fileTransfers {
	f := &fileTransfers{}
	f.reset()
	return f
}

func (f *fileTransfers) reset() {
	f.names = make(map[uint16]string)
	f.recipients = make(map[uint16]uint8)
	for i := range f.progress {
		f.progress[i] = make(map[uint16]int)
	}
}

func (f *fileTransfers) idByName(name string) (uint16, bool) {
	for id, n := range f.names {
		if n == name {
			return id, true
		}
	}
	return 0, false
}

// =============================================================================
// 发送
// =============================================================================

// SendFileAnnounce 预告即将发给 mask 中玩家的文件，返回文件 ID
func (m *ConnectionManager) SendFileAnnounce(path string, mask uint8) (uint16, error) {
	if _, err := m.checkSendable(path); err != nil {
		return 0, err
	}

	announce := m.newLocalCommand(command.TypeFileAnnounce)
	fileID := m.s.IDs.Next()
	body := announce.Body.(*command.FileAnnounceBody)
	body.Filename = filepath.ToSlash(path)
	body.FileID = fileID
	body.PlayerMask = mask

	m.processFileAnnounce(announce)
	m.SendLocalCommand(announce, m.othersMask())

	m.log.Info().Str("file", path).Uint16("file_id", fileID).Uint8("mask", mask).Msg("文件传输预告")
	return fileID, nil
}

// SendFile 发送文件内容，命令 ID 即预告中的文件 ID
func (m *ConnectionManager) SendFile(path string, mask uint8, fileID uint16) error {
	if _, err := m.checkSendable(path); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取文件 %s: %w", path, err)
	}

	cmd := command.New(command.TypeFile, m.localID())
	cmd.ID = fileID
	body := cmd.Body.(*command.FileBody)
	body.Filename = filepath.ToSlash(path)
	body.Data = data

	m.SendLocalCommand(cmd, mask&^m.localBit())
	m.log.Info().Str("file", path).Uint16("file_id", fileID).Int("bytes", len(data)).Msg("文件开始发送")
	return nil
}

func (m *ConnectionManager) checkSendable(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("检查文件 %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s 是目录", ErrBadFileName, path)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}
	if info.Size() > m.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %s (%d > %d)", ErrFileTooBig, path, info.Size(), m.cfg.MaxFileSize)
	}
	return info, nil
}

// FileTransferProgress 玩家接收文件的进度百分比，未知文件为 0
func (m *ConnectionManager) FileTransferProgress(slot int, path string) int {
	if !validSlot(slot) {
		return 0
	}
	id, ok := m.files.idByName(filepath.ToSlash(path))
	if !ok {
		return 0
	}
	return m.files.progress[slot][id]
}

// =============================================================================
// 接收
// =============================================================================

func (m *ConnectionManager) processFileAnnounce(cmd *command.Command) {
	body, ok := cmd.Body.(*command.FileAnnounceBody)
	if !ok {
		return
	}
	m.files.names[body.FileID] = body.Filename
	m.files.recipients[body.FileID] = body.PlayerMask
	for i := range m.files.progress {
		if body.PlayerMask&(1<<i) != 0 {
			m.files.progress[i][body.FileID] = 0
		} else {
			m.files.progress[i][body.FileID] = 100
		}
	}
}

func (m *ConnectionManager) processFileProgress(cmd *command.Command) {
	body, ok := cmd.Body.(*command.FileProgressBody)
	if !ok {
		return
	}
	p := m.files.progress[cmd.PlayerID]
	if int(body.Progress) > p[body.FileID] {
		p[body.FileID] = int(body.Progress)
	}
}

// processFile 写入文件目录，文件名只取最后一段
func (m *ConnectionManager) processFile(cmd *command.Command) {
	body, ok := cmd.Body.(*command.FileBody)
	if !ok {
		return
	}
	dst, err := m.writeReceivedFile(body.Filename, body.Data)
	if err != nil {
		m.log.Warn().Err(err).Uint8("from", cmd.PlayerID).Msg("接收文件失败")
		return
	}

	m.files.progress[m.localSlot][cmd.ID] = 100
	m.broadcastFileProgress(cmd.ID, 100)

	m.log.Info().Str("file", dst).Uint8("from", cmd.PlayerID).Int("bytes", len(body.Data)).Msg("文件已接收")
	m.s.Listener.OnFileReceived(cmd.PlayerID, dst)
}

func (m *ConnectionManager) writeReceivedFile(name string, data []byte) (string, error) {
	base := filepath.Base(filepath.FromSlash(name))
	if base == "." || base == ".." || base == string(filepath.Separator) || base == "" {
		return "", fmt.Errorf("%w: %q", ErrBadFileName, name)
	}
	if err := os.MkdirAll(m.cfg.FileDir, 0o755); err != nil {
		return "", fmt.Errorf("创建目录 %s: %w", m.cfg.FileDir, err)
	}

	dst := filepath.Join(m.cfg.FileDir, base)
	tmp := dst + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("写入 %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("重命名 %s: %w", dst, err)
	}
	return dst, nil
}

// processWrapper 收录分块；本地是文件接收者时广播新的进度
func (m *ConnectionManager) processWrapper(ref *command.Ref) {
	cmd := ref.Command
	body, ok := cmd.Body.(*command.WrapperBody)
	if !ok {
		return
	}
	fileID := body.WrappedCommandID
	_, isFile := m.files.names[fileID]
	tracking := isFile && m.files.recipients[fileID]&m.localBit() != 0

	before := 0
	if tracking {
		before = m.wrappers.PercentComplete(cmd.PlayerID, fileID)
	}
	if err := m.wrappers.Add(cmd); err != nil {
		m.log.Debug().Err(err).Stringer("cmd", cmd).Msg("分块无效")
		return
	}
	if !tracking {
		return
	}

	after := m.wrappers.PercentComplete(cmd.PlayerID, fileID)
	if after > before && after < 100 {
		m.files.progress[m.localSlot][fileID] = after
		m.broadcastFileProgress(fileID, after)
	}
}

func (m *ConnectionManager) broadcastFileProgress(fileID uint16, progress int) {
	msg := m.newLocalCommand(command.TypeFileProgress)
	body := msg.Body.(*command.FileProgressBody)
	body.FileID = fileID
	body.Progress = int32(progress)
	m.SendLocalCommand(msg, m.othersMask())
}

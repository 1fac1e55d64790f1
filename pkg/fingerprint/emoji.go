package fingerprint

import "encoding/binary"

var emojiList = []string{
	"😀", "👻", "👍", "👑", "🎃", "😈", "😎", "😂",
	"🐶", "🐱", "🦁", "🐹", "🐰", "🦊", "🐻", "🐼",
	"🌸", "🌼", "🪷", "🌹", "🌺", "🍁", "🌳", "🌵",
	"🍎", "🍌", "🍇", "🍓", "🍒", "🍕", "🍔", "🍟",
	"☕️", "🍦", "🥕", "☀️", "🌙", "❄️", "☁️", "🧂",
	"💡", "🏹", "💍", "📷", "🎀", "🎮", "🎲", "🍩",
	"❤️", "🎁", "⏰", "🎒", "🧲", "🔑", "🚗️", "🚀",
	"✨", "🔥", "🌈", "🎉", "🎶", "🔒", "📌", "✅",
}

// Emoji maps the digest to eight emoji, four digest bytes per symbol. The
// digest is already uniform, so its words index the table directly.
func Emoji(digest []byte) []string {
	l := uint32(len(emojiList))
	emojis := make([]string, 0, 8)
	for off := 0; off+4 <= len(digest) && len(emojis) < 8; off += 4 {
		num := binary.BigEndian.Uint32(digest[off : off+4])
		emojis = append(emojis, emojiList[num%l])
	}
	return emojis
}

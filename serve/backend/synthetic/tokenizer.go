package synthetic

import "fmt"

// EOS is the end-of-sequence token of the byte vocabulary.
const EOS = 256

// ByteTokenizer maps every byte to its own token and reserves 256 for EOS.
type ByteTokenizer struct{}

func (ByteTokenizer) Encode(text string) ([]int, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int(text[i])
	}
	return ids, nil
}

// Decode renders byte tokens; special and out-of-range IDs are skipped.
func (ByteTokenizer) Decode(ids []int) string {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < EOS {
			buf = append(buf, byte(id))
		}
	}
	return string(buf)
}

func (ByteTokenizer) IsSpecial(id int) bool {
	return id == EOS
}

func (ByteTokenizer) StopTokens() []int {
	return []int{EOS}
}

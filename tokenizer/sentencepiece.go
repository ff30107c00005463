// sentencepiece.go - Minimaler Leser für SentencePiece tokenizer.model
// Liest nur die Pieces (Feld 1 von ModelProto) über protowire

package tokenizer

import (
	"errors"
	"fmt"
	"io/fs"

	"google.golang.org/protobuf/encoding/protowire"
)

// Feldnummern aus sentencepiece_model.proto
const (
	modelProtoPieces protowire.Number = 1
	pieceContent     protowire.Number = 1
	pieceType        protowire.Number = 3
)

// Piece-Typ CONTROL aus sentencepiece_model.proto (<s>, </s>)
const pieceTypeControl = 3

// parseSentencePiece parst das Vokabular aus tokenizer.model
func parseSentencePiece(fsys fs.FS) (*vocabulary, error) {
	bts, err := fs.ReadFile(fsys, "tokenizer.model")
	if err != nil {
		return nil, err
	}

	v := &vocabulary{Model: "llama", tokens: make(map[int]token)}
	var id int
	for len(bts) > 0 {
		num, typ, n := protowire.ConsumeTag(bts)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		bts = bts[n:]

		if num != modelProtoPieces || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, bts)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			bts = bts[n:]
			continue
		}

		msg, n := protowire.ConsumeBytes(bts)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		bts = bts[n:]

		tok, err := parsePiece(msg)
		if err != nil {
			return nil, fmt.Errorf("piece %d: %w", id, err)
		}

		tok.ID = id
		v.set(tok)
		id++
	}

	if id == 0 {
		return nil, errors.New("no pieces")
	}

	return v, nil
}

// parsePiece liest Inhalt und Typ eines SentencePiece-Eintrags
func parsePiece(bts []byte) (token, error) {
	var tok token
	for len(bts) > 0 {
		num, typ, n := protowire.ConsumeTag(bts)
		if n < 0 {
			return tok, protowire.ParseError(n)
		}
		bts = bts[n:]

		switch {
		case num == pieceContent && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(bts)
			if n < 0 {
				return tok, protowire.ParseError(n)
			}
			tok.Content = s
			bts = bts[n:]
		case num == pieceType && typ == protowire.VarintType:
			t, n := protowire.ConsumeVarint(bts)
			if n < 0 {
				return tok, protowire.ParseError(n)
			}
			tok.Special = t == pieceTypeControl
			bts = bts[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, bts)
			if n < 0 {
				return tok, protowire.ParseError(n)
			}
			bts = bts[n:]
		}
	}

	return tok, nil
}

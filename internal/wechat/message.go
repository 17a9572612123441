package wechat

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wechat-relay/internal/domain"
)

const unrecognizedVoice = "[语音消息，无法识别]"

// envelope is the inbound XML shape. Every field is read as a string so that
// numeric values the platform sends never fail decoding.
type envelope struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   string   `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	MsgID        string   `xml:"MsgId"`
	Content      string   `xml:"Content"`
	Recognition  string   `xml:"Recognition"`
	MediaID      string   `xml:"MediaId"`
	PicURL       string   `xml:"PicUrl"`
	LocationX    string   `xml:"Location_X"`
	LocationY    string   `xml:"Location_Y"`
	Scale        string   `xml:"Scale"`
	Label        string   `xml:"Label"`
	Title        string   `xml:"Title"`
	Description  string   `xml:"Description"`
	URL          string   `xml:"Url"`
	Event        string   `xml:"Event"`
	EventKey     string   `xml:"EventKey"`
	Encrypt      string   `xml:"Encrypt"`
}

type cdata struct {
	Value string `xml:",cdata"`
}

type textReply struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   cdata    `xml:"ToUserName"`
	FromUserName cdata    `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      cdata    `xml:"MsgType"`
	Content      cdata    `xml:"Content"`
}

type encryptedReply struct {
	XMLName      xml.Name `xml:"xml"`
	Encrypt      cdata    `xml:"Encrypt"`
	MsgSignature cdata    `xml:"MsgSignature"`
	TimeStamp    string   `xml:"TimeStamp"`
	Nonce        cdata    `xml:"Nonce"`
}

// ParseMessage decodes a plaintext platform envelope.
func ParseMessage(body []byte) (domain.InboundMessage, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return domain.InboundMessage{}, err
	}
	if env.MsgType == "" || env.FromUserName == "" {
		return domain.InboundMessage{}, errors.New("wechat: message missing MsgType or FromUserName")
	}
	created, _ := strconv.ParseInt(strings.TrimSpace(env.CreateTime), 10, 64)
	return domain.InboundMessage{
		ToUser:      env.ToUserName,
		FromUser:    env.FromUserName,
		CreateTime:  created,
		MsgType:     strings.ToLower(strings.TrimSpace(env.MsgType)),
		MsgID:       env.MsgID,
		Content:     env.Content,
		Recognition: env.Recognition,
		MediaID:     env.MediaID,
		PicURL:      env.PicURL,
		LocationX:   env.LocationX,
		LocationY:   env.LocationY,
		Scale:       env.Scale,
		Label:       env.Label,
		Title:       env.Title,
		Description: env.Description,
		URL:         env.URL,
		Event:       strings.ToLower(strings.TrimSpace(env.Event)),
		EventKey:    env.EventKey,
	}, nil
}

// ParseEncrypted extracts the Encrypt field of a safe-mode envelope.
func ParseEncrypted(body []byte) (string, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(env.Encrypt) == "" {
		return "", errors.New("wechat: encrypted envelope missing Encrypt")
	}
	return env.Encrypt, nil
}

func decodeEnvelope(body []byte) (envelope, error) {
	var env envelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return envelope{}, fmt.Errorf("wechat: decode envelope: %w", err)
	}
	return env, nil
}

// TaskText maps any message kind to the free text handed to the runtime.
// The mapping is total and never returns an empty string.
func TaskText(msg domain.InboundMessage) string {
	switch msg.MsgType {
	case domain.MsgTypeText:
		if strings.TrimSpace(msg.Content) == "" {
			return "[text message]"
		}
		return msg.Content
	case domain.MsgTypeVoice:
		if strings.TrimSpace(msg.Recognition) != "" {
			return msg.Recognition
		}
		return unrecognizedVoice
	case domain.MsgTypeImage:
		return "[图片消息] " + msg.PicURL
	case domain.MsgTypeLocation:
		return fmt.Sprintf("[位置消息] 纬度: %s, 经度: %s, 地点: %s", msg.LocationX, msg.LocationY, msg.Label)
	case domain.MsgTypeLink:
		return fmt.Sprintf("[链接消息] 标题: %s\n描述: %s\n链接: %s", msg.Title, msg.Description, msg.URL)
	}
	kind := msg.MsgType
	if kind == "" {
		kind = "unknown"
	}
	return fmt.Sprintf("[%s message]", kind)
}

// BuildTextReply renders a passive text reply from fromUser to toUser.
func BuildTextReply(toUser, fromUser, content string, now time.Time) ([]byte, error) {
	out, err := xml.Marshal(textReply{
		ToUserName:   cdata{toUser},
		FromUserName: cdata{fromUser},
		CreateTime:   now.Unix(),
		MsgType:      cdata{domain.MsgTypeText},
		Content:      cdata{content},
	})
	if err != nil {
		return nil, fmt.Errorf("wechat: encode reply: %w", err)
	}
	return out, nil
}

// BuildEncryptedReply wraps an already encrypted reply with its signature.
func BuildEncryptedReply(encrypted, signature, timestamp, nonce string) ([]byte, error) {
	out, err := xml.Marshal(encryptedReply{
		Encrypt:      cdata{encrypted},
		MsgSignature: cdata{signature},
		TimeStamp:    timestamp,
		Nonce:        cdata{nonce},
	})
	if err != nil {
		return nil, fmt.Errorf("wechat: encode encrypted reply: %w", err)
	}
	return out, nil
}

package wechat

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wechat-relay/internal/domain"
)

const textXML = `<xml>
<ToUserName><![CDATA[gh_account]]></ToUserName>
<FromUserName><![CDATA[U1]]></FromUserName>
<CreateTime>1700000000</CreateTime>
<MsgType><![CDATA[text]]></MsgType>
<Content><![CDATA[hello]]></Content>
<MsgId>1234567890123456</MsgId>
</xml>`

func TestParseMessage_Text(t *testing.T) {
	msg, err := ParseMessage([]byte(textXML))
	require.NoError(t, err)
	require.Equal(t, "gh_account", msg.ToUser)
	require.Equal(t, "U1", msg.FromUser)
	require.Equal(t, int64(1700000000), msg.CreateTime)
	require.Equal(t, domain.MsgTypeText, msg.MsgType)
	require.Equal(t, "hello", msg.Content)
	require.Equal(t, "1234567890123456", msg.MsgID)
}

func TestParseMessage_Event(t *testing.T) {
	body := `<xml><ToUserName>gh</ToUserName><FromUserName>U2</FromUserName><CreateTime>1</CreateTime>` +
		`<MsgType>event</MsgType><Event>SUBSCRIBE</Event></xml>`
	msg, err := ParseMessage([]byte(body))
	require.NoError(t, err)
	require.True(t, msg.IsEvent(domain.EventSubscribe))
}

func TestParseMessage_Invalid(t *testing.T) {
	_, err := ParseMessage([]byte("<xml><ToUserName>"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode envelope")

	_, err = ParseMessage([]byte("<xml><ToUserName>gh</ToUserName></xml>"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing")
}

func TestParseEncrypted(t *testing.T) {
	enc, err := ParseEncrypted([]byte(`<xml><ToUserName>gh</ToUserName><Encrypt><![CDATA[abc==]]></Encrypt></xml>`))
	require.NoError(t, err)
	require.Equal(t, "abc==", enc)

	_, err = ParseEncrypted([]byte(`<xml><ToUserName>gh</ToUserName></xml>`))
	require.Error(t, err)
}

func TestTaskText_IsTotal(t *testing.T) {
	cases := []struct {
		name string
		msg  domain.InboundMessage
		want string
	}{
		{name: "text", msg: domain.InboundMessage{MsgType: "text", Content: "hello"}, want: "hello"},
		{name: "voice recognised", msg: domain.InboundMessage{MsgType: "voice", Recognition: "你好"}, want: "你好"},
		{name: "voice unrecognised", msg: domain.InboundMessage{MsgType: "voice"}, want: unrecognizedVoice},
		{name: "image", msg: domain.InboundMessage{MsgType: "image", PicURL: "http://img/x.png"}, want: "[图片消息] http://img/x.png"},
		{name: "location", msg: domain.InboundMessage{MsgType: "location", LocationX: "23.1", LocationY: "113.3", Label: "广州"}, want: "[位置消息] 纬度: 23.1, 经度: 113.3, 地点: 广州"},
		{name: "link", msg: domain.InboundMessage{MsgType: "link", Title: "T", Description: "D", URL: "http://u"}, want: "[链接消息] 标题: T\n描述: D\n链接: http://u"},
		{name: "event", msg: domain.InboundMessage{MsgType: "event", Event: "click"}, want: "[event message]"},
		{name: "unknown", msg: domain.InboundMessage{MsgType: "shortvideo"}, want: "[shortvideo message]"},
		{name: "empty kind", msg: domain.InboundMessage{}, want: "[unknown message]"},
		{name: "blank text", msg: domain.InboundMessage{MsgType: "text", Content: "  "}, want: "[text message]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := TaskText(tc.msg)
			require.NotEmpty(t, got)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestBuildTextReply(t *testing.T) {
	now := time.Unix(1700000100, 0)
	out, err := BuildTextReply("U1", "gh_account", "处理中 <ok>", now)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(out), "<xml>"))
	require.Contains(t, string(out), "<ToUserName><![CDATA[U1]]></ToUserName>")
	require.Contains(t, string(out), "<CreateTime>1700000100</CreateTime>")
	require.Contains(t, string(out), "<Content><![CDATA[处理中 <ok>]]></Content>")

	var back struct {
		To      string `xml:"ToUserName"`
		From    string `xml:"FromUserName"`
		Content string `xml:"Content"`
	}
	require.NoError(t, xml.Unmarshal(out, &back))
	require.Equal(t, "gh_account", back.From)
	require.Equal(t, "处理中 <ok>", back.Content)
}

func TestBuildEncryptedReply(t *testing.T) {
	out, err := BuildEncryptedReply("cipher", "sig", "1700000000", "n1")
	require.NoError(t, err)
	require.Contains(t, string(out), "<Encrypt><![CDATA[cipher]]></Encrypt>")
	require.Contains(t, string(out), "<TimeStamp>1700000000</TimeStamp>")
}

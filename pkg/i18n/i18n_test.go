package i18n

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalizer(t *testing.T) {
	vi := NewLocalizer("vi")
	require.Equal(t, "[Tin nhắn đã được thu hồi]", vi.T(MessageRecalled))
	require.Equal(t, "3 file đã chọn", vi.TData(ToastFilesSelected, map[string]any{"Count": 3}))
	require.Equal(t, []string{"Cách đặt câu hỏi?", "Điểm reputation là gì?", "Giới thiệu trang web"}, vi.QuickReplies())

	en := NewLocalizer("en")
	require.Equal(t, "No recipient selected", en.T(ToastNoRecipient))
	require.Equal(t, "unknown.key", en.T("unknown.key"))

	fallback := NewLocalizer("fr")
	require.Equal(t, DefaultLang, fallback.Lang())

	var nilLoc *Localizer
	require.Equal(t, MessageRecalled, nilLoc.T(MessageRecalled))
}

func TestBundlesHaveSameKeys(t *testing.T) {
	en := NewLocalizer("en")
	vi := NewLocalizer("vi")
	for _, id := range []string{
		ToastNoRecipient, ToastUploading, ToastSendFailed, ToastRecallSuccess, ToastRecallFailed,
		ToastDeleteSuccess, ToastDeleteFailed, ToastRecalledRemote, ToastDeletedRemote, ToastLoadFailed,
		ToastFilesSelected, ToastNotConnected, MessageRecalled, MessageLoading, MessageNoChats,
		MessageRecallAction, MessageDeleteAction, MessageUnreadBadge, MessageSelectPartner,
		ChatbotConnecting, ChatbotWelcome, ChatbotTyping, ChatbotOnline, ChatbotOffline,
		ChatbotQuickAsk, ChatbotQuickRep, ChatbotQuickAbout,
	} {
		require.NotEqual(t, id, en.T(id), id)
		require.NotEqual(t, id, vi.T(id), id)
	}
}

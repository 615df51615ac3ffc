package i18n

const DefaultLang = "vi"

var AllowedLangs = map[string]bool{
	"en": true,
	"vi": true,
}

const (
	ToastNoRecipient    = "toast.no_recipient"
	ToastUploading      = "toast.uploading"
	ToastSendFailed     = "toast.send_failed"
	ToastRecallSuccess  = "toast.recall_success"
	ToastRecallFailed   = "toast.recall_failed"
	ToastDeleteSuccess  = "toast.delete_success"
	ToastDeleteFailed   = "toast.delete_failed"
	ToastRecalledRemote = "toast.recalled_remote"
	ToastDeletedRemote  = "toast.deleted_remote"
	ToastLoadFailed     = "toast.load_failed"
	ToastFilesSelected  = "toast.files_selected"
	ToastNotConnected   = "toast.not_connected"

	MessageRecalled      = "message.recalled"
	MessageLoading       = "message.loading"
	MessageNoChats       = "message.no_conversations"
	MessageRecallAction  = "message.action.recall"
	MessageDeleteAction  = "message.action.delete"
	MessageUnreadBadge   = "message.unread_badge"
	MessageSelectPartner = "message.select_partner"

	ChatbotConnecting = "chatbot.connecting"
	ChatbotWelcome    = "chatbot.welcome"
	ChatbotTyping     = "chatbot.typing"
	ChatbotOnline     = "chatbot.online"
	ChatbotOffline    = "chatbot.offline"
	ChatbotQuickAsk   = "chatbot.quick.ask"
	ChatbotQuickRep   = "chatbot.quick.reputation"
	ChatbotQuickAbout = "chatbot.quick.about"
)

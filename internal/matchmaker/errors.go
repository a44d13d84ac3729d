package matchmaker

import (
	"errors"
	"fmt"
)

// 配對錯誤碼（隨 {code, error} 結構跨越配對邊界）
const (
	// ErrCodeNoHandler 房間類型未註冊
	ErrCodeNoHandler = 4210
	// ErrCodeInvalidCriteria 沒有符合條件的房間可加入
	ErrCodeInvalidCriteria = 4211
	// ErrCodeInvalidRoomID 房間 ID 無效或房間已鎖定
	ErrCodeInvalidRoomID = 4212
	// ErrCodeUnhandled 用戶鉤子拋出的未分類錯誤
	ErrCodeUnhandled = 4213
	// ErrCodeAuthFailed 認證鉤子拒絕
	ErrCodeAuthFailed = 4215
	// ErrCodeExpired 席位預留或重連窗口已過期
	ErrCodeExpired = 4216
	// ErrCodeProcessUnavailable 房間所屬進程確認死亡
	ErrCodeProcessUnavailable = 4217
)

// MatchmakeError 帶數字碼的配對錯誤。
//
// 傳播策略：業務性結果（無處理器、條件無匹配、ID 無效）原樣返回調用方；
// 基礎設施故障（IPC 超時）「絕不」以原貌跨越配對邊界——
// 先經健康檢查解析成確定結果，再轉換成這個類型。
type MatchmakeError struct {
	Code    int
	Message string
}

func (e *MatchmakeError) Error() string {
	return e.Message
}

// newError 創建配對錯誤
func newError(code int, format string, args ...any) *MatchmakeError {
	return &MatchmakeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrRoomFull 席位預留失敗：房間已滿（或在發現與預留之間被填滿）。
// JoinOrCreate / Join 會對這一類錯誤做有界重試；Create / JoinByID 不重試。
var ErrRoomFull = errors.New("房間已滿")

// ErrProcessUnavailable 健康檢查確認目標進程死亡。
// 與 ErrRoomFull 區分開，調用方才能分辨基礎設施故障與正常的容量耗盡。
var ErrProcessUnavailable = errors.New("進程不可用")

// ErrAlreadyShuttingDown 重複觸發優雅關閉
var ErrAlreadyShuttingDown = errors.New("已在關閉流程中")

// ErrorResponse 配對邊界對外的結構化錯誤（不讓原始異常跨進 Transport 層）
type ErrorResponse struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

// ToErrorResponse 把任意配對錯誤轉換成 {code, error} 形狀
func ToErrorResponse(err error) ErrorResponse {
	var mmErr *MatchmakeError
	switch {
	case errors.As(err, &mmErr):
		return ErrorResponse{Code: mmErr.Code, Error: mmErr.Message}
	case errors.Is(err, ErrRoomFull):
		return ErrorResponse{Code: ErrCodeInvalidCriteria, Error: err.Error()}
	case errors.Is(err, ErrProcessUnavailable):
		return ErrorResponse{Code: ErrCodeProcessUnavailable, Error: err.Error()}
	default:
		return ErrorResponse{Code: ErrCodeUnhandled, Error: err.Error()}
	}
}

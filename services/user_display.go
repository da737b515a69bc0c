package services

import (
	"strings"

	"github.com/google/go-github/v71/github"
)

// displayName は登録ユーザーの full_name に使う名前
// プロフィールの名前が空ならログイン名にする
func displayName(user *github.User) string {
	if user == nil {
		return ""
	}
	if name := strings.TrimSpace(user.GetName()); name != "" {
		return name
	}
	return user.GetLogin()
}

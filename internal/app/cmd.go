package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はゲートウェイサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandLogin はサインインしてセッションを永続化する。
	CommandLogin Command = "login"
	// CommandLogout は永続化されたセッションを破棄する。
	CommandLogout Command = "logout"
	// CommandGigs はギグ一覧を表示する。
	CommandGigs Command = "gigs"
	// CommandPostGig は標準入力のJSONからギグを投稿する。
	CommandPostGig Command = "post-gig"
	// CommandInstall はデスクトップランチャーのインストールを案内する。
	CommandInstall Command = "install"
	// CommandGig はギグの詳細を表示する。
	CommandGig Command = "gig"
	// CommandComplete は自分が投稿したギグを完了にする。
	CommandComplete Command = "complete"
	// CommandApplicants はギグへの応募者を表示し、選定・却下する。
	CommandApplicants Command = "applicants"
	// CommandApplications は自分の応募一覧を表示する。
	CommandApplications Command = "applications"
	// CommandReview は完了したギグのレビューを投稿する。
	CommandReview Command = "review"
	// CommandProfile はプロフィールを表示・更新する。
	CommandProfile Command = "profile"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	cmd := Command(args[0])
	switch {
	case cmd == CommandServe, cmd == CommandMigrate, cmd == CommandHealthcheck, cmd.isClient():
		return cmd
	default:
		return CommandServe
	}
}

// isClient はセッションとAPIクライアントを使うコマンドかを返す。
func (c Command) isClient() bool {
	switch c {
	case CommandLogin, CommandLogout, CommandGigs, CommandPostGig, CommandInstall,
		CommandGig, CommandComplete, CommandApplicants, CommandApplications, CommandReview, CommandProfile:
		return true
	}
	return false
}

// needsIdP はIdPの設定（FIREBASE_API_KEY）が必要なコマンドかを返す。
// logoutとinstallはローカルの状態だけを扱う。
func (c Command) needsIdP() bool {
	return c.isClient() && c != CommandLogout && c != CommandInstall
}

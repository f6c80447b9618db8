package i18n

var ptBRMessages = map[Code]string{
	CodeNotFound:            "A enquete %s não foi encontrada.",
	CodeUnauthorized:        "Somente o apresentador pode fazer isso.",
	CodeInvalidInput:        "A solicitação não tem os campos obrigatórios.",
	CodeNotAcceptingAnswers: "Esta pergunta não aceita mais respostas.",
	CodeTransitionRefused:   "A pergunta atual ainda está aberta.",
	CodeInvalidFrame:        "Não foi possível ler a mensagem.",
	CodeRateLimited:         "Muitas mensagens, vá com calma.",
}
